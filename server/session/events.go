package session

import "time"

type EventKind string

const (
	EventSessionStarted  EventKind = "session_started"
	EventSessionEnded    EventKind = "session_ended"
	EventReportCreated   EventKind = "report_created"
	EventReportConfirmed EventKind = "report_confirmed"
	EventReportDismissed EventKind = "report_dismissed"
)

// Event is raised for every state change that an outside observer might care about.
// SYNC-SESSION-EVENT
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Report    *Report   `json:"report,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
}

// Sink receives session events after they have been committed.
// A failing sink does not affect the session; the error is only logged.
type Sink interface {
	Name() string
	Publish(ev Event) error
}
