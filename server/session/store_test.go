package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/hazards/pkg/tracking"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	lock   sync.Mutex
	events []Event
	fail   bool
}

func (r *recordingSink) Name() string {
	return "recorder"
}

func (r *recordingSink) Publish(ev Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("sink is broken")
	}
	return nil
}

func (r *recordingSink) kinds() []EventKind {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := []EventKind{}
	for _, ev := range r.events {
		k = append(k, ev.Kind)
	}
	return k
}

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	return NewStore(logs.NewTestingLog(t), mock), mock
}

func addReport(t *testing.T, store *Store, id, reportID string) {
	err := store.Update(id, func(sess *Session) error {
		sess.CountDetections(1)
		sess.AddReport(reportID, Detection{ClassID: 8, ClassName: "Pothole", Confidence: 0.9}, nil)
		return nil
	})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	store, mock := newTestStore(t)
	sum := store.Start()
	require.NotEmpty(t, sum.SessionID)
	require.Equal(t, StateActive, sum.State)
	require.Nil(t, sum.EndTime)
	require.Equal(t, 1, store.Len())

	addReport(t, store, sum.SessionID, "r1")
	mock.Add(time.Minute)

	ended, err := store.End(sum.SessionID)
	require.NoError(t, err)
	require.Equal(t, StateEnded, ended.State)
	require.NotNil(t, ended.EndTime)
	require.Equal(t, time.Minute, ended.EndTime.Sub(ended.StartTime))
	require.Equal(t, 1, ended.UniqueHazardCount)
	require.Equal(t, 1, ended.DetectionCount)
	require.Len(t, ended.Reports, 1)
	require.Equal(t, 1, store.Len())
	require.Equal(t, 0, store.CountActive())
	require.Equal(t, 0, ended.WindowSize)

	// Ending again is idempotent
	again, err := store.End(sum.SessionID)
	require.NoError(t, err)
	require.Equal(t, ended.EndTime, again.EndTime)

	// No more detection updates
	err = store.Update(sum.SessionID, func(sess *Session) error { return nil })
	require.ErrorIs(t, err, ErrSessionEnded)

	// Reports are still available
	r, err := store.Report(sum.SessionID, "r1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, r.Status)

	_, err = store.End("no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Summary("no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWindowClearedOnEnd(t *testing.T) {
	store, _ := newTestStore(t)
	id := store.Start().SessionID
	require.NoError(t, store.Update(id, func(sess *Session) error {
		sess.Window().Add(tracking.Sighting{Class: 1, ReportID: "x"})
		return nil
	}))
	sum, _ := store.Summary(id)
	require.Equal(t, 1, sum.WindowSize)
	sum, _ = store.End(id)
	require.Equal(t, 0, sum.WindowSize)
}

func TestReportTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	id := store.Start().SessionID
	addReport(t, store, id, "a")
	addReport(t, store, id, "b")

	r, err := store.Confirm(id, "a")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, r.Status)

	// Repeating the same transition is a no-op
	r, err = store.Confirm(id, "a")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, r.Status)

	// First transition wins
	_, err = store.Dismiss(id, "a")
	require.ErrorIs(t, err, ErrReportFinalized)
	r, _ = store.Report(id, "a")
	require.Equal(t, StatusConfirmed, r.Status)

	_, err = store.Dismiss(id, "b")
	require.NoError(t, err)
	_, err = store.Confirm(id, "b")
	require.ErrorIs(t, err, ErrReportFinalized)
	r, _ = store.Report(id, "b")
	require.Equal(t, StatusDismissed, r.Status)

	_, err = store.Confirm(id, "zzz")
	require.ErrorIs(t, err, ErrReportNotFound)
	_, err = store.Confirm("zzz", "a")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sum, _ := store.Summary(id)
	require.Equal(t, 0, sum.PendingReports)
	require.Equal(t, 2, sum.UniqueHazardCount)
}

func TestConfirmAfterEnd(t *testing.T) {
	store, _ := newTestStore(t)
	id := store.Start().SessionID
	addReport(t, store, id, "a")
	_, err := store.End(id)
	require.NoError(t, err)
	r, err := store.Confirm(id, "a")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, r.Status)
}

func TestFailedUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	id := store.Start().SessionID
	boom := errors.New("boom")
	err := store.Update(id, func(sess *Session) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	sum, _ := store.Summary(id)
	require.Equal(t, 0, sum.DetectionCount)
	require.Equal(t, 0, sum.UniqueHazardCount)
}

func TestConcurrentUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	ids := []string{store.Start().SessionID, store.Start().SessionID, store.Start().SessionID}
	var wg sync.WaitGroup
	for _, id := range ids {
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					assert.NoError(t, store.Update(id, func(sess *Session) error {
						sess.CountDetections(1)
						sess.RecordProcessingTime(10)
						return nil
					}))
				}
			}()
		}
	}
	wg.Wait()
	for _, id := range ids {
		sum, err := store.Summary(id)
		require.NoError(t, err)
		require.Equal(t, 800, sum.DetectionCount)
		require.Equal(t, 10.0, sum.AvgProcessingMS)
	}
}

func TestSinksAndWatchers(t *testing.T) {
	store, _ := newTestStore(t)
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	store.AddSink(bad)
	store.AddSink(good)

	id := store.Start().SessionID
	watch := store.AddWatcher(id)
	addReport(t, store, id, "a")
	_, err := store.Dismiss(id, "a")
	require.NoError(t, err)
	_, err = store.End(id)
	require.NoError(t, err)

	expect := []EventKind{EventSessionStarted, EventReportCreated, EventReportDismissed, EventSessionEnded}
	require.Equal(t, expect, good.kinds())
	require.Equal(t, expect, bad.kinds())

	// The watcher was added after the session started
	require.Equal(t, EventReportCreated, (<-watch).Kind)
	ev := <-watch
	require.Equal(t, EventReportDismissed, ev.Kind)
	require.Equal(t, StatusDismissed, ev.Report.Status)
	ev = <-watch
	require.Equal(t, EventSessionEnded, ev.Kind)
	require.Equal(t, StateEnded, ev.Summary.State)
	store.RemoveWatcher(id, watch)
}

// stallingSink blocks inside Publish of the first report_created event, until released
type stallingSink struct {
	once    sync.Once
	entered chan bool
	release chan bool
}

func (s *stallingSink) Name() string {
	return "stalling"
}

func (s *stallingSink) Publish(ev Event) error {
	if ev.Kind == EventReportCreated {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return nil
}

func TestEventsArePublishedInCommitOrder(t *testing.T) {
	store, _ := newTestStore(t)
	slow := &stallingSink{entered: make(chan bool), release: make(chan bool)}
	recorder := &recordingSink{}
	store.AddSink(slow)
	store.AddSink(recorder)

	id := store.Start().SessionID

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := store.Update(id, func(sess *Session) error {
			sess.AddReport("a", Detection{ClassID: 8, ClassName: "Pothole", Confidence: 0.9}, nil)
			return nil
		})
		assert.NoError(t, err)
	}()
	<-slow.entered

	// The report is committed, so it can be confirmed while the first publish is still stuck
	go func() {
		defer wg.Done()
		_, err := store.Confirm(id, "a")
		assert.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)
	close(slow.release)
	wg.Wait()

	require.Equal(t, []EventKind{EventSessionStarted, EventReportCreated, EventReportConfirmed}, recorder.kinds())
}

func TestPurgeAndEvict(t *testing.T) {
	store, mock := newTestStore(t)
	a := store.Start().SessionID
	b := store.Start().SessionID

	now := UnixSeconds(mock.Now())
	require.NoError(t, store.Update(b, func(sess *Session) error {
		sess.Window().Add(tracking.Sighting{Timestamp: now - 100})
		sess.Window().Add(tracking.Sighting{Timestamp: now - 1})
		return nil
	}))
	require.Equal(t, 1, store.EvictStale(10*time.Second))

	_, err := store.End(a)
	require.NoError(t, err)
	require.Equal(t, 0, store.PurgeEnded(5*time.Minute))
	mock.Add(6 * time.Minute)
	require.Equal(t, 1, store.PurgeEnded(5*time.Minute))
	require.Equal(t, 1, store.Len())
	_, err = store.Summary(a)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.End(a)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
