package server

import (
	"context"
	"time"

	"github.com/cyclopcam/hazards/server/perfstats"
	"github.com/go-co-op/gocron/v2"
)

const perfStatsLogInterval = 5 * time.Minute

// Backends that need to be polled before they report Ready.
// CheckHealth logs its own transitions.
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Register the periodic background work. The scheduler is started by the caller.
func (s *Server) setupJobs() error {
	if hc, ok := s.backend.(healthChecker); ok && s.config.HealthInterval() > 0 {
		err := s.addJob("backend health", s.config.HealthInterval(), true, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.HealthInterval())
			defer cancel()
			hc.CheckHealth(ctx)
		})
		if err != nil {
			return err
		}
	}

	if retention := s.config.Retention(); retention > 0 {
		interval := min(retention, time.Minute)
		if err := s.addJob("session retention", interval, false, s.purgeEndedSessions); err != nil {
			return err
		}
	}

	if maxAge := s.config.Tracking.WindowMaxAge; maxAge > 0 {
		interval := time.Duration(maxAge * float64(time.Second))
		if err := s.addJob("window eviction", interval, false, s.evictStaleSightings); err != nil {
			return err
		}
	}

	return s.addJob("perf stats", perfStatsLogInterval, false, func() {
		if perfstats.Stats.Requests.Load() != 0 {
			s.Log.Infof("Detection performance:\n%v", perfstats.Stats.String())
		}
	})
}

func (s *Server) addJob(name string, interval time.Duration, startImmediately bool, fn func()) error {
	options := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if startImmediately {
		options = append(options, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err := s.scheduler.NewJob(gocron.DurationJob(interval), gocron.NewTask(fn), options...)
	if err != nil {
		s.Log.Errorf("Failed to schedule %v job: %v", name, err)
	}
	return err
}

func (s *Server) purgeEndedSessions() {
	s.store.PurgeEnded(s.config.Retention())
}

func (s *Server) evictStaleSightings() {
	maxAge := time.Duration(s.config.Tracking.WindowMaxAge * float64(time.Second))
	if n := s.store.EvictStale(maxAge); n != 0 {
		s.Log.Infof("Evicted %v stale sightings", n)
	}
}
