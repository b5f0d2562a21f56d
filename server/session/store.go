package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// Store is the concurrency-safe map of all sessions.
// Mutations to a single session are serialized by that session's lock, so requests
// to different sessions never wait on each other.
type Store struct {
	Log   logs.Log
	clock clock.Clock

	sessionsLock sync.Mutex
	sessions     map[string]*Session

	sinksLock sync.RWMutex
	sinks     []Sink

	watchersLock sync.RWMutex
	watchers     map[string][]chan Event
}

func NewStore(log logs.Log, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		Log:      log,
		clock:    clk,
		sessions: map[string]*Session{},
		watchers: map[string][]chan Event{},
	}
}

// AddSink registers a sink that will receive all future events
func (s *Store) AddSink(sink Sink) {
	s.sinksLock.Lock()
	defer s.sinksLock.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Start creates a new active session
func (s *Store) Start() Summary {
	sess := newSession(uuid.NewString(), s.clock.Now)
	sess.lock.Lock()
	s.sessionsLock.Lock()
	s.sessions[sess.id] = sess
	s.sessionsLock.Unlock()

	summary := sess.summary()
	sess.events = append(sess.events, Event{Kind: EventSessionStarted, SessionID: sess.id, Time: summary.StartTime})
	s.unlockAndPublish(sess)

	s.Log.Infof("Session %v started", sess.id)
	return summary
}

// Len returns the number of sessions in memory, including ended sessions that have not yet been purged
func (s *Store) Len() int {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return len(s.sessions)
}

// CountActive returns the number of sessions that have not ended
func (s *Store) CountActive() int {
	n := 0
	for _, sess := range s.all() {
		sess.lock.Lock()
		if sess.state == StateActive {
			n++
		}
		sess.lock.Unlock()
	}
	return n
}

// Snapshot of the session list, so that we never hold the map lock and a session lock together
func (s *Store) all() []*Session {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	return all
}

func (s *Store) get(id string) *Session {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return s.sessions[id]
}

// with runs fn under the session lock, and publishes any events it raised once the lock is released
func (s *Store) with(id string, fn func(sess *Session) error) error {
	sess := s.get(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.lock.Lock()
	err := fn(sess)
	s.unlockAndPublish(sess)
	return err
}

// unlockAndPublish releases the session lock, and then publishes the events raised while it was held.
// The publish lock is acquired before the session lock is released, so the events of one
// session reach the sinks in commit order.
func (s *Store) unlockAndPublish(sess *Session) {
	events := sess.takeEvents()
	sess.publishLock.Lock()
	sess.lock.Unlock()
	s.publish(events)
	sess.publishLock.Unlock()
}

// Update runs fn with exclusive access to an active session.
// Returns ErrSessionEnded if the session has ended. If fn returns an error, it must not
// have modified the session.
func (s *Store) Update(id string, fn func(sess *Session) error) error {
	return s.with(id, func(sess *Session) error {
		if sess.state != StateActive {
			return ErrSessionEnded
		}
		return fn(sess)
	})
}

// End transitions a session to the ended state, and discards its tracking window.
// Ending a session that has already ended returns its summary again.
func (s *Store) End(id string) (Summary, error) {
	var summary Summary
	err := s.with(id, func(sess *Session) error {
		if sess.state == StateActive {
			sess.end()
			s.Log.Infof("Session %v ended with %v detections and %v unique hazards", id, sess.detectionCount, sess.uniqueHazardCount)
		}
		summary = sess.summary()
		return nil
	})
	return summary, err
}

// Summary returns a copy of the session's state
func (s *Store) Summary(id string) (Summary, error) {
	var summary Summary
	err := s.with(id, func(sess *Session) error {
		summary = sess.summary()
		return nil
	})
	return summary, err
}

// Report returns a copy of a single report
func (s *Store) Report(id, reportID string) (Report, error) {
	var report Report
	err := s.with(id, func(sess *Session) error {
		r := sess.findReport(reportID)
		if r == nil {
			return ErrReportNotFound
		}
		report = *r
		return nil
	})
	return report, err
}

// Confirm marks a pending report as confirmed.
// The first status transition wins. Confirming a confirmed report is a no-op,
// and confirming a dismissed report fails with ErrReportFinalized.
func (s *Store) Confirm(id, reportID string) (Report, error) {
	return s.setStatus(id, reportID, StatusConfirmed)
}

// Dismiss marks a pending report as dismissed, with the same rules as Confirm
func (s *Store) Dismiss(id, reportID string) (Report, error) {
	return s.setStatus(id, reportID, StatusDismissed)
}

func (s *Store) setStatus(id, reportID string, status Status) (Report, error) {
	var report Report
	err := s.with(id, func(sess *Session) error {
		r, err := sess.setStatus(reportID, status)
		if err != nil {
			return err
		}
		report = *r
		return nil
	})
	return report, err
}

// PurgeEnded removes sessions that ended more than 'retention' ago.
// Returns the number of sessions removed.
func (s *Store) PurgeEnded(retention time.Duration) int {
	cutoff := s.clock.Now().Add(-retention)

	all := s.all()

	purge := []string{}
	for _, sess := range all {
		sess.lock.Lock()
		if sess.state == StateEnded && !sess.endTime.After(cutoff) {
			purge = append(purge, sess.id)
		}
		sess.lock.Unlock()
	}

	if len(purge) == 0 {
		return 0
	}
	s.sessionsLock.Lock()
	for _, id := range purge {
		delete(s.sessions, id)
	}
	s.sessionsLock.Unlock()
	s.Log.Infof("Purged %v ended sessions", len(purge))
	return len(purge)
}

// EvictStale removes tracking window entries older than maxAge from every active session.
// Returns the total number of entries removed.
func (s *Store) EvictStale(maxAge time.Duration) int {
	now := UnixSeconds(s.clock.Now())
	cutoff := now - maxAge.Seconds()

	all := s.all()

	total := 0
	for _, sess := range all {
		sess.lock.Lock()
		if sess.state == StateActive {
			total += sess.window.EvictOlderThan(cutoff)
		}
		sess.lock.Unlock()
	}
	return total
}

// UnixSeconds converts t into floating point seconds since the Unix epoch
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (s *Store) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	s.sinksLock.RLock()
	sinks := s.sinks
	s.sinksLock.RUnlock()
	for _, ev := range events {
		for _, sink := range sinks {
			if err := sink.Publish(ev); err != nil {
				s.Log.Warnf("Failed to publish %v for session %v to %v: %v", ev.Kind, ev.SessionID, sink.Name(), err)
			}
		}
		s.sendToWatchers(ev)
	}
}
