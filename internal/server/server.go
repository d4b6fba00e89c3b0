// Package server exposes the annotation workflow as an HTTP API: session
// management, pre-annotation, annotation editing, export, and a WebSocket
// feed of annotation events.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tmarkov/annotator/internal/broadcast"
	"github.com/tmarkov/annotator/internal/config"
	"github.com/tmarkov/annotator/internal/database"
	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/client"
	"github.com/tmarkov/annotator/pkg/detection"
	"github.com/tmarkov/annotator/pkg/processing"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	store     *annotation.Store
	detector  *detection.Detector
	backend   client.DetectionClient
	processor *processing.Processor
	repo      *database.SessionRepository
	hub       *broadcast.Hub
	logger    *slog.Logger
	startTime time.Time
}

// NewServer wires the API around an annotation store and detection backend.
// repo may be nil for memory-only operation.
func NewServer(cfg *config.Config, store *annotation.Store, backend client.DetectionClient, repo *database.SessionRepository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		store:     store,
		detector:  detection.NewDetector(backend),
		backend:   backend,
		processor: processing.NewProcessor(),
		repo:      repo,
		hub:       broadcast.NewHub(logger),
		logger:    logger,
		startTime: time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Restore rehydrates the in-memory store from persisted sessions.
func (s *Server) Restore() error {
	if s.repo == nil {
		return nil
	}
	sessions, err := s.repo.LoadAll()
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.store.Restore(session); err != nil {
			return err
		}
	}
	activeSessions.Set(float64(len(sessions)))
	s.logger.Info("restored sessions from database", "count", len(sessions))
	return nil
}

func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Server.Address)
	return s.echo.Start(s.config.Server.Address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router, used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
