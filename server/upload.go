package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/cyclopcam/hazards/pkg/kibi"
	"github.com/cyclopcam/hazards/pkg/nn"
)

// readImage returns the image bytes of a detect request.
// The image is either the multipart field "file", or the raw request body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	maxBytes := s.config.HTTP.MaxImageBytes
	if r.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %v is more than the limit of %v", errImageTooLarge, kibi.FormatBytes(r.ContentLength), kibi.FormatBytes(maxBytes))
	}
	// Leave room for the multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+64*1024)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var b []byte
	var err error
	if mediaType == "multipart/form-data" {
		b, err = readMultipartImage(r)
	} else {
		if err = checkImageContentType(mediaType); err != nil {
			return nil, err
		}
		b, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: limit is %v", errImageTooLarge, kibi.FormatBytes(maxBytes))
		}
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("%w: %v is more than the limit of %v", errImageTooLarge, kibi.FormatBytes(int64(len(b))), kibi.FormatBytes(maxBytes))
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty upload", nn.ErrInvalidImage)
	}
	return b, nil
}

func readMultipartImage(r *http.Request) ([]byte, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrInvalidImage, err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: multipart field 'file' is missing", nn.ErrInvalidImage)
		} else if err != nil {
			return nil, err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err := checkImageContentType(partType); err != nil {
			return nil, err
		}
		return io.ReadAll(part)
	}
}

// An empty or generic content type is allowed, because the image decoder sniffs the format
func checkImageContentType(mediaType string) error {
	if mediaType == "" || mediaType == "application/octet-stream" || strings.HasPrefix(mediaType, "image/") {
		return nil
	}
	return fmt.Errorf("%w: content type %v is not an image", nn.ErrInvalidImage, mediaType)
}
