package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/logs"
)

// Maximum number of events waiting to be written
const sinkQueueSize = 1000

// Time limit for writing a single object
const writeTimeout = 30 * time.Second

var ErrSinkClosed = errors.New("archive sink is closed")
var ErrSinkFull = errors.New("archive sink queue is full")

// Sink archives session events to Storage.
//
// Layout:
//
//	sessions/<session>/summary.json            written when the session ends
//	sessions/<session>/reports/<report>.json   rewritten on every status change
//	sessions/<session>/reports/<report>.jpg    annotated snapshot, if there is one
//
// Writes happen on a background goroutine, so a slow store never delays detection requests.
type Sink struct {
	Log     logs.Log
	storage Storage
	queue   chan session.Event

	closeLock sync.Mutex
	closed    bool
	done      chan struct{}
}

func NewSink(log logs.Log, storage Storage) *Sink {
	s := &Sink{
		Log:     log,
		storage: storage,
		queue:   make(chan session.Event, sinkQueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Name() string {
	return "archive"
}

// Publish queues the event for writing. It never blocks.
func (s *Sink) Publish(ev session.Event) error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close waits for all queued events to be written
func (s *Sink) Close() {
	s.closeLock.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.closeLock.Unlock()
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.queue {
		if err := s.write(ev); err != nil {
			s.Log.Errorf("Failed to archive %v event of session %v: %v", ev.Kind, ev.SessionID, err)
		}
	}
}

func ReportPath(sessionID, reportID string) string {
	return fmt.Sprintf("sessions/%v/reports/%v.json", sessionID, reportID)
}

func SnapshotPath(sessionID, reportID string) string {
	return fmt.Sprintf("sessions/%v/reports/%v.jpg", sessionID, reportID)
}

func SummaryPath(sessionID string) string {
	return fmt.Sprintf("sessions/%v/summary.json", sessionID)
}

func (s *Sink) write(ev session.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch ev.Kind {
	case session.EventReportCreated, session.EventReportConfirmed, session.EventReportDismissed:
		r := ev.Report
		if r == nil {
			return nil
		}
		if ev.Kind == session.EventReportCreated && len(r.ImageSnapshot) != 0 {
			if err := WriteFile(ctx, s.storage, SnapshotPath(r.SessionID, r.ReportID), r.ImageSnapshot); err != nil {
				return err
			}
		}
		return s.writeJSON(ctx, ReportPath(r.SessionID, r.ReportID), r)
	case session.EventSessionEnded:
		if ev.Summary == nil {
			return nil
		}
		return s.writeJSON(ctx, SummaryPath(ev.SessionID), ev.Summary)
	}
	return nil
}

func (s *Sink) writeJSON(ctx context.Context, name string, obj any) error {
	b, err := json.MarshalIndent(obj, "", "\t")
	if err != nil {
		return err
	}
	return WriteFile(ctx, s.storage, name, b)
}
