package tracking

import (
	"github.com/cyclopcam/hazards/pkg/nn"
)

// Decision is the outcome of tracking a single detection
type Decision struct {
	Tracked  bool   // False if the detection was below MinConfidence
	IsNew    bool   // True if this detection created a new report
	ReportID string // Empty if not tracked
}

// Tracker decides whether detections are new hazards, or repeat sightings of hazards
// that are already in a session's window.
type Tracker struct {
	config Config
}

func NewTracker(config Config) *Tracker {
	return &Tracker{
		config: config,
	}
}

func (t *Tracker) Config() Config {
	return t.config
}

// Process runs the detections of one frame through the window, in order.
// Novel detections are added to the window immediately, so a later detection in the same
// frame can match an earlier one. newID is called once for each novel detection, to
// produce its report ID.
// The caller must hold whatever lock protects 'w'.
func (t *Tracker) Process(w *Window, detections []nn.ObjectDetection, now float64, newID func() string) []Decision {
	if t.config.WindowMaxAge > 0 {
		w.EvictOlderThan(now - t.config.WindowMaxAge)
	}

	decisions := make([]Decision, len(detections))
	for i, det := range detections {
		if det.Confidence < t.config.MinConfidence {
			continue
		}
		center := det.Box.Center()
		if match, ok := w.Match(&t.config, det.Class, center, now); ok {
			decisions[i] = Decision{Tracked: true, IsNew: false, ReportID: match.ReportID}
			continue
		}
		id := newID()
		w.Add(Sighting{
			Class:     det.Class,
			Center:    center,
			Timestamp: now,
			ReportID:  id,
		})
		decisions[i] = Decision{Tracked: true, IsNew: true, ReportID: id}
	}
	return decisions
}
