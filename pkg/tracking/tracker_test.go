package tracking

import (
	"fmt"
	"testing"

	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/stretchr/testify/require"
)

type idSource struct {
	next int
}

func (s *idSource) newID() string {
	s.next++
	return fmt.Sprintf("r%v", s.next)
}

func detAt(class int, conf float32, cx, cy float32) nn.ObjectDetection {
	return nn.ObjectDetection{
		Class:      class,
		Confidence: conf,
		Box:        nn.Box{X1: cx - 50, Y1: cy - 50, X2: cx + 50, Y2: cy + 50},
	}
}

func TestRepeatSighting(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	w := NewWindow()
	ids := &idSource{}

	d := tr.Process(w, []nn.ObjectDetection{{Class: 0, Confidence: 0.9, Box: nn.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}}}, 100, ids.newID)
	require.Equal(t, []Decision{{Tracked: true, IsNew: true, ReportID: "r1"}}, d)

	d = tr.Process(w, []nn.ObjectDetection{{Class: 0, Confidence: 0.9, Box: nn.Box{X1: 105, Y1: 103, X2: 205, Y2: 203}}}, 100.5, ids.newID)
	require.Equal(t, []Decision{{Tracked: true, IsNew: false, ReportID: "r1"}}, d)
	require.Equal(t, 1, w.Len())

	d = tr.Process(w, []nn.ObjectDetection{{Class: 0, Confidence: 0.9, Box: nn.Box{X1: 105, Y1: 103, X2: 205, Y2: 203}}}, 103.5, ids.newID)
	require.Equal(t, []Decision{{Tracked: true, IsNew: true, ReportID: "r2"}}, d)
	require.Equal(t, 2, w.Len())
}

func TestDistanceThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	ids := &idSource{}

	w := NewWindow()
	tr.Process(w, []nn.ObjectDetection{detAt(1, 0.9, 150, 150)}, 10, ids.newID)
	d := tr.Process(w, []nn.ObjectDetection{detAt(1, 0.9, 199.5, 150)}, 10.1, ids.newID)
	require.False(t, d[0].IsNew)

	// Exactly on the threshold is not a match
	w = NewWindow()
	tr.Process(w, []nn.ObjectDetection{detAt(1, 0.9, 150, 150)}, 10, ids.newID)
	d = tr.Process(w, []nn.ObjectDetection{detAt(1, 0.9, 200, 150)}, 10.1, ids.newID)
	require.True(t, d[0].IsNew)

	// Different class never matches
	w = NewWindow()
	tr.Process(w, []nn.ObjectDetection{detAt(1, 0.9, 150, 150)}, 10, ids.newID)
	d = tr.Process(w, []nn.ObjectDetection{detAt(2, 0.9, 150, 150)}, 10.1, ids.newID)
	require.True(t, d[0].IsNew)
}

func TestTimeThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	ids := &idSource{}

	// Exactly on the threshold is still a match
	w := NewWindow()
	tr.Process(w, []nn.ObjectDetection{detAt(3, 0.9, 300, 300)}, 100, ids.newID)
	d := tr.Process(w, []nn.ObjectDetection{detAt(3, 0.9, 300, 300)}, 102, ids.newID)
	require.False(t, d[0].IsNew)

	w = NewWindow()
	tr.Process(w, []nn.ObjectDetection{detAt(3, 0.9, 300, 300)}, 100, ids.newID)
	d = tr.Process(w, []nn.ObjectDetection{detAt(3, 0.9, 300, 300)}, 102.01, ids.newID)
	require.True(t, d[0].IsNew)
}

func TestWindowEntriesAreNotRefreshed(t *testing.T) {
	// A hazard that is continuously visible produces a new report every time the
	// original sighting ages out, because matches do not update the window.
	tr := NewTracker(DefaultConfig())
	w := NewWindow()
	ids := &idSource{}
	newCount := 0
	for i := 0; i <= 10; i++ {
		d := tr.Process(w, []nn.ObjectDetection{detAt(0, 0.9, 300, 300)}, float64(i)*0.5, ids.newID)
		if d[0].IsNew {
			newCount++
		}
	}
	// New at t=0, 2.5, 5.0
	require.Equal(t, 3, newCount)
	require.Equal(t, 3, w.Len())
}

func TestLowConfidence(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	w := NewWindow()
	ids := &idSource{}
	d := tr.Process(w, []nn.ObjectDetection{detAt(0, 0.59, 300, 300), detAt(0, 0.6, 600, 300)}, 1, ids.newID)
	require.Equal(t, Decision{}, d[0])
	require.Equal(t, Decision{Tracked: true, IsNew: true, ReportID: "r1"}, d[1])
	require.Equal(t, 1, w.Len())

	// A low confidence detection does not match an existing sighting either
	d = tr.Process(w, []nn.ObjectDetection{detAt(0, 0.5, 600, 300)}, 1.5, ids.newID)
	require.Equal(t, Decision{}, d[0])
}

func TestSameFrameDuplicates(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	w := NewWindow()
	ids := &idSource{}
	d := tr.Process(w, []nn.ObjectDetection{detAt(4, 0.9, 300, 300), detAt(4, 0.8, 310, 300), detAt(4, 0.8, 500, 300)}, 1, ids.newID)
	require.Equal(t, "r1", d[0].ReportID)
	require.True(t, d[0].IsNew)
	require.Equal(t, "r1", d[1].ReportID)
	require.False(t, d[1].IsNew)
	require.Equal(t, "r2", d[2].ReportID)
	require.True(t, d[2].IsNew)
}

func TestFirstMatchWins(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWindow()
	w.Add(Sighting{Class: 0, Center: nn.Point{X: 130, Y: 100}, Timestamp: 1, ReportID: "a"})
	w.Add(Sighting{Class: 0, Center: nn.Point{X: 101, Y: 100}, Timestamp: 1, ReportID: "b"})
	m, ok := w.Match(&cfg, 0, nn.Point{X: 100, Y: 100}, 1.5)
	require.True(t, ok)
	require.Equal(t, "a", m.ReportID)
}

func TestEviction(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 10; i++ {
		w.Add(Sighting{Class: 0, Timestamp: float64(i), ReportID: fmt.Sprintf("%v", i)})
	}
	require.Equal(t, 4, w.EvictOlderThan(4))
	require.Equal(t, 6, w.Len())
	require.Equal(t, "4", w.Entries()[0].ReportID)
	require.Equal(t, 0, w.EvictOlderThan(0))
	w.Clear()
	require.Equal(t, 0, w.Len())

	// Opt-in eviction in the tracker
	cfg := DefaultConfig()
	cfg.WindowMaxAge = 5
	require.NoError(t, cfg.Validate())
	tr := NewTracker(cfg)
	ids := &idSource{}
	tr.Process(w, []nn.ObjectDetection{detAt(0, 0.9, 100, 100)}, 0, ids.newID)
	tr.Process(w, []nn.ObjectDetection{detAt(0, 0.9, 400, 100)}, 3, ids.newID)
	require.Equal(t, 2, w.Len())
	tr.Process(w, nil, 6, ids.newID)
	require.Equal(t, 1, w.Len())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, float32(50), cfg.DistanceThreshold)
	require.Equal(t, 2.0, cfg.TimeThreshold)
	require.Equal(t, float32(0.6), cfg.MinConfidence)

	cfg.WindowMaxAge = 1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DistanceThreshold = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinConfidence = 1.5
	require.Error(t, cfg.Validate())
}
