// Package session owns the state of detection sessions, and the hazard reports that they produce.
// All state is held in memory, and is lost when the process exits.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/hazards/pkg/tracking"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrReportNotFound  = errors.New("report not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrReportFinalized = errors.New("report has already been finalized")
)

// Number of recent processing times kept per session
const latencyHistorySize = 64

type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDismissed Status = "dismissed"
)

// Detection is a final detection in original image coordinates.
// SYNC-DETECTION-JSON
type Detection struct {
	BBox       [4]float32 `json:"bbox"` // x1, y1, x2, y2
	Confidence float32    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	CenterX    float32    `json:"center_x"`
	CenterY    float32    `json:"center_y"`
	Width      float32    `json:"width"`
	Height     float32    `json:"height"`
	Area       float32    `json:"area"`
	Timestamp  float64    `json:"timestamp"` // Unix seconds
	IsNew      bool       `json:"is_new"`
	ReportID   *string    `json:"report_id"`
}

// Report is the record of one unique hazard observed during a session
type Report struct {
	ReportID      string    `json:"report_id"`
	SessionID     string    `json:"session_id"`
	Detection     Detection `json:"detection"`
	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`
	HasSnapshot   bool      `json:"has_snapshot"`
	ImageSnapshot []byte    `json:"-"` // Annotated JPEG, if snapshots are enabled
}

// Stats are the counters that are returned with every detection response
type Stats struct {
	TotalDetections int `json:"total_detections"`
	UniqueHazards   int `json:"unique_hazards"`
	PendingReports  int `json:"pending_reports"`
}

// Summary is a consistent copy of a session's state
type Summary struct {
	SessionID         string     `json:"session_id"`
	State             State      `json:"state"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time"`
	DetectionCount    int        `json:"detection_count"`
	UniqueHazardCount int        `json:"unique_hazard_count"`
	PendingReports    int        `json:"pending_reports"`
	Reports           []Report   `json:"reports"`
	WindowSize        int        `json:"window_size"`
	AvgProcessingMS   float64    `json:"avg_processing_ms"`
}

// Session is the state of a single detection session.
// All methods must be called with the session lock held, which is what Store.Update does.
type Session struct {
	lock              sync.Mutex
	publishLock       sync.Mutex // Held while publishing events. Acquired before lock is released.
	id                string
	state             State
	startTime         time.Time
	endTime           time.Time
	reports           []*Report
	detectionCount    int
	uniqueHazardCount int
	window            *tracking.Window
	latency           ringbuffer.RingP[float64]
	now               func() time.Time
	events            []Event // Events raised during the current Update, published after the lock is released
}

func newSession(id string, now func() time.Time) *Session {
	return &Session{
		id:        id,
		state:     StateActive,
		startTime: now(),
		window:    tracking.NewWindow(),
		latency:   ringbuffer.NewRingP[float64](latencyHistorySize),
		now:       now,
	}
}

// Window returns the tracking window. It must only be used while the session lock is held.
func (s *Session) Window() *tracking.Window {
	return s.window
}

// CountDetections adds n to the session's total detection count
func (s *Session) CountDetections(n int) {
	s.detectionCount += n
}

// RecordProcessingTime remembers how long a detection request took
func (s *Session) RecordProcessingTime(ms float64) {
	s.latency.Add(ms)
}

// AddReport creates a new pending report
func (s *Session) AddReport(reportID string, det Detection, snapshot []byte) *Report {
	r := &Report{
		ReportID:      reportID,
		SessionID:     s.id,
		Detection:     det,
		CreatedAt:     s.now(),
		Status:        StatusPending,
		HasSnapshot:   len(snapshot) != 0,
		ImageSnapshot: snapshot,
	}
	s.reports = append(s.reports, r)
	s.uniqueHazardCount++
	s.raise(EventReportCreated, r)
	return r
}

// Stats returns the session counters
func (s *Session) Stats() Stats {
	return Stats{
		TotalDetections: s.detectionCount,
		UniqueHazards:   s.uniqueHazardCount,
		PendingReports:  s.pendingReports(),
	}
}

func (s *Session) pendingReports() int {
	n := 0
	for _, r := range s.reports {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

func (s *Session) findReport(reportID string) *Report {
	for _, r := range s.reports {
		if r.ReportID == reportID {
			return r
		}
	}
	return nil
}

func (s *Session) setStatus(reportID string, status Status) (*Report, error) {
	r := s.findReport(reportID)
	if r == nil {
		return nil, ErrReportNotFound
	}
	if r.Status == status {
		return r, nil
	}
	if r.Status != StatusPending {
		return nil, ErrReportFinalized
	}
	r.Status = status
	if status == StatusConfirmed {
		s.raise(EventReportConfirmed, r)
	} else {
		s.raise(EventReportDismissed, r)
	}
	return r, nil
}

func (s *Session) end() {
	s.state = StateEnded
	s.endTime = s.now()
	s.window.Clear()
	summary := s.summary()
	s.events = append(s.events, Event{
		Kind:      EventSessionEnded,
		SessionID: s.id,
		Time:      s.endTime,
		Summary:   &summary,
	})
}

func (s *Session) raise(kind EventKind, r *Report) {
	snap := *r
	s.events = append(s.events, Event{
		Kind:      kind,
		SessionID: s.id,
		Time:      s.now(),
		Report:    &snap,
	})
}

func (s *Session) takeEvents() []Event {
	ev := s.events
	s.events = nil
	return ev
}

func (s *Session) avgProcessingMS() float64 {
	n := s.latency.Len()
	if n == 0 {
		return 0
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += s.latency.Peek(i)
	}
	return total / float64(n)
}

func (s *Session) summary() Summary {
	sum := Summary{
		SessionID:         s.id,
		State:             s.state,
		StartTime:         s.startTime,
		DetectionCount:    s.detectionCount,
		UniqueHazardCount: s.uniqueHazardCount,
		PendingReports:    s.pendingReports(),
		Reports:           make([]Report, 0, len(s.reports)),
		WindowSize:        s.window.Len(),
		AvgProcessingMS:   s.avgProcessingMS(),
	}
	if s.state == StateEnded {
		end := s.endTime
		sum.EndTime = &end
	}
	for _, r := range s.reports {
		sum.Reports = append(sum.Reports, *r)
	}
	return sum
}
