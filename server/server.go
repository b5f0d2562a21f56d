// Package server is the HTTP face of the hazard detection service
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/hazards/pkg/nn"
	"github.com/cyclopcam/hazards/pkg/tracking"
	"github.com/cyclopcam/hazards/server/archive"
	"github.com/cyclopcam/hazards/server/config"
	"github.com/cyclopcam/hazards/server/detector"
	"github.com/cyclopcam/hazards/server/events"
	"github.com/cyclopcam/hazards/server/inference"
	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/logs"
	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log        logs.Log
	config     *config.Config
	clock      clock.Clock
	startTime  time.Time
	classes    []string
	backend    nn.Inferencer // nil if no backend is configured
	store      *session.Store
	detector   *detector.Detector
	scheduler  gocron.Scheduler
	closers    []func() // Run in reverse order during Shutdown
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	handler    http.Handler // httpRouter, wrapped in CORS
	wsUpgrader websocket.Upgrader

	shutdownOnce     sync.Once
	ShutdownComplete chan bool // Closed when Shutdown has finished flushing the sinks
}

// NewServer creates the inference backend and the report sinks that are described by cfg,
// and sets up the HTTP routes. Call ListenHTTP to start serving.
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	modelConfig, err := cfg.NetworkConfig()
	if err != nil {
		return nil, err
	}

	var backend nn.Inferencer
	if cfg.Model.BackendURL != "" {
		backend = inference.NewRemoteBackend(log, cfg.Model.BackendURL, modelConfig, cfg.InferenceTimeout())
	} else {
		log.Warnf("No inference backend is configured. All detection requests will fail.")
	}

	s, err := newServer(log, cfg, backend, clock.New())
	if err != nil {
		return nil, err
	}
	if err := s.openSinks(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// newServer builds a server around an existing backend
func newServer(log logs.Log, cfg *config.Config, backend nn.Inferencer, clk clock.Clock) (*Server, error) {
	modelConfig, err := cfg.NetworkConfig()
	if err != nil {
		return nil, err
	}
	classes := modelConfig.Classes
	store := session.NewStore(log, clk)
	det := detector.NewDetector(log, detector.Config{
		InputSize: cfg.Model.InputSize,
		PadValue:  uint8(cfg.Model.PadValue),
		Detection: nn.DetectionParams{
			ProbabilityThreshold: cfg.Model.ConfThreshold,
			NmsIouThreshold:      cfg.Model.IouThreshold,
		},
		Classes:          classes,
		MaxImagePixels:   cfg.HTTP.MaxImagePixels,
		Snapshots:        cfg.Sessions.Snapshots,
		InferenceTimeout: cfg.InferenceTimeout(),
	}, backend, tracking.NewTracker(cfg.Tracking), store, clk)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:       log,
		config:    cfg,
		clock:     clk,
		startTime: clk.Now(),
		classes:   classes,
		backend:   backend,
		store:     store,
		detector:  det,
		scheduler: scheduler,

		ShutdownComplete: make(chan bool),
	}
	s.wsUpgrader.CheckOrigin = s.checkWebSocketOrigin
	if backend != nil {
		s.closers = append(s.closers, backend.Close)
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	if err := s.setupJobs(); err != nil {
		return nil, err
	}
	s.scheduler.Start()
	return s, nil
}

// Create the write-through collaborators. Session state stays in memory either way.
func (s *Server) openSinks() error {
	if a := s.config.Archive; a != nil {
		var store archive.Storage
		if a.GCS != nil {
			gcs, err := archive.NewStorageGCS(context.Background(), s.Log, a.GCS.Bucket)
			if err != nil {
				return fmt.Errorf("Failed to open GCS bucket %v: %w", a.GCS.Bucket, err)
			}
			s.closers = append(s.closers, func() { gcs.Close() })
			store = gcs
		} else {
			fs, err := archive.NewStorageFS(s.Log, a.Filesystem.Root)
			if err != nil {
				return err
			}
			store = fs
		}
		sink := archive.NewSink(s.Log, store)
		s.closers = append(s.closers, sink.Close)
		s.store.AddSink(sink)
	}
	if s.config.Kafka != nil {
		sink, err := events.NewKafkaSink(s.Log, s.config.Kafka)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, sink.Close)
		s.store.AddSink(sink)
	}
	return nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenHTTP blocks until the server is shut down
func (s *Server) ListenHTTP() error {
	s.Log.Infof("Listening on %v", s.config.ListenAddr)
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.handler,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and closed the signalIn channel
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server and background jobs, and flushes the sinks.
// All session state is discarded.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.close()
	s.Log.Infof("Shutdown complete. %v sessions discarded", s.store.Len())
	close(s.ShutdownComplete)
}

func (s *Server) close() {
	if err := s.scheduler.Shutdown(); err != nil {
		s.Log.Warnf("Scheduler shutdown error: %v", err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
