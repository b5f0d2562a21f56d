package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/hazards/server/perfstats"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-HEALTH-JSON
// Sessions live only in memory, so a client that sees a new instance_start_time must assume
// that its sessions are gone.
type healthJSON struct {
	Status            string    `json:"status"` // "healthy" or "degraded"
	ModelLoaded       bool      `json:"model_loaded"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	ActiveSessions    int       `json:"active_sessions"`
	InstanceStartTime time.Time `json:"instance_start_time"`
	Durable           bool      `json:"durable"` // Always false. Sessions do not survive a restart.
}

type classJSON struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// SYNC-CONSTANTS-JSON
type constantsJSON struct {
	Classes           []classJSON `json:"classes"`
	InputSize         int         `json:"input_size"`
	ConfThreshold     float32     `json:"conf_threshold"`
	IouThreshold      float32     `json:"iou_threshold"`
	DistanceThreshold float32     `json:"distance_threshold"`
	TimeThreshold     float64     `json:"time_threshold"`
	MinConfidence     float32     `json:"min_confidence"`
	MaxImageBytes     int64       `json:"max_image_bytes"`
}

func (s *Server) httpHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h := healthJSON{
		Status:            "healthy",
		ModelLoaded:       s.detector.Ready() == nil,
		UptimeSeconds:     s.clock.Since(s.startTime).Seconds(),
		ActiveSessions:    s.store.CountActive(),
		InstanceStartTime: s.startTime,
		Durable:           false,
	}
	if !h.ModelLoaded {
		h.Status = "degraded"
	}
	www.SendJSON(w, &h)
}

func (s *Server) httpConstants(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	dc := s.detector.Config()
	tc := s.config.Tracking
	c := constantsJSON{
		InputSize:         dc.InputSize,
		ConfThreshold:     dc.Detection.ProbabilityThreshold,
		IouThreshold:      dc.Detection.NmsIouThreshold,
		DistanceThreshold: tc.DistanceThreshold,
		TimeThreshold:     tc.TimeThreshold,
		MinConfidence:     tc.MinConfidence,
		MaxImageBytes:     s.config.HTTP.MaxImageBytes,
	}
	for i, name := range s.classes {
		c.Classes = append(c.Classes, classJSON{ID: i, Name: name})
	}
	www.SendJSON(w, &c)
}

func (s *Server) httpMetrics(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	m := perfstats.Stats.Snapshot()
	m["active_sessions"] = float64(s.store.CountActive())
	www.SendJSON(w, m)
}
