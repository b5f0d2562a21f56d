// Package archive writes reports, snapshots, and session summaries through to a blob store.
// The archive is write-only from the point of view of the service. Nothing is ever read back
// into session state.
package archive

import (
	"context"
	"errors"
	"io"
)

var ErrInvalidName = errors.New("invalid object name")

// Storage is an abstraction of a blob store (eg GCS or a local directory)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)
}

func WriteFile(ctx context.Context, s Storage, name string, content []byte) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = f.Write(content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}
