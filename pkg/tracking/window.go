package tracking

import (
	"github.com/cyclopcam/hazards/pkg/nn"
)

// Sighting is a tracked detection that created a report
type Sighting struct {
	Class     int
	Center    nn.Point
	Timestamp float64 // Seconds
	ReportID  string
}

// Window is the list of recent novel sightings in a session, in arrival order.
// A Window is not safe for concurrent use. The owner serializes access.
type Window struct {
	entries []Sighting
}

func NewWindow() *Window {
	return &Window{}
}

func (w *Window) Len() int {
	return len(w.entries)
}

// Returns a copy of the entries
func (w *Window) Entries() []Sighting {
	return append([]Sighting(nil), w.entries...)
}

func (w *Window) Add(s Sighting) {
	w.entries = append(w.entries, s)
}

func (w *Window) Clear() {
	w.entries = nil
}

// Match returns the first sighting (in arrival order) with the same class, whose timestamp
// is within cfg.TimeThreshold of now, and whose center is closer than cfg.DistanceThreshold.
func (w *Window) Match(cfg *Config, class int, center nn.Point, now float64) (Sighting, bool) {
	for _, e := range w.entries {
		if e.Class != class {
			continue
		}
		dt := now - e.Timestamp
		if dt < 0 {
			dt = -dt
		}
		if dt > cfg.TimeThreshold {
			continue
		}
		if e.Center.Distance(center) < cfg.DistanceThreshold {
			return e, true
		}
	}
	return Sighting{}, false
}

// EvictOlderThan removes all entries with a timestamp before 'cutoff', and returns the number removed.
// Relative order of the remaining entries is preserved.
func (w *Window) EvictOlderThan(cutoff float64) int {
	n := 0
	for _, e := range w.entries {
		if e.Timestamp >= cutoff {
			w.entries[n] = e
			n++
		}
	}
	removed := len(w.entries) - n
	clear(w.entries[n:])
	w.entries = w.entries[:n]
	return removed
}
