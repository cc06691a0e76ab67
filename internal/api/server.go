// Package api provides the HTTP API server of the build farm.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/api/middleware"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/metrics"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the collaborators the API exposes.
type Deps struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Trigger   handlers.Triggerer
	Broker    *logs.Broker
	Metrics   *metrics.Collector
	// Pinger checks the database; nil for the in-memory store.
	Pinger health.Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Broker == nil {
		deps.Broker = logs.NewBroker(logger)
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "api"),
	}
	s.healthChecker = health.NewChecker(deps.Pinger, deps.Scheduler.Pool().Snapshot, Version)
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())
	r.Handle("/metrics", s.deps.Metrics.Handler())

	jobHandler := handlers.NewJobHandler(s.deps.Store, s.deps.Scheduler, s.logger)
	logHandler := handlers.NewLogHandler(s.deps.Store, s.deps.Broker, s.logger)
	machineHandler := handlers.NewMachineHandler(s.deps.Scheduler, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// Streams are long-lived and must not be cut by the request timeout.
		r.Get("/jobs/{jobID}/logs/stream", logHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			if s.deps.Trigger != nil {
				triggerHandler := handlers.NewTriggerHandler(s.deps.Trigger, s.logger)
				r.Post("/projects/{user}/{project}/trigger", triggerHandler.Trigger)
			}

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", jobHandler.Enqueue)
				r.Get("/", jobHandler.List)
				r.Get("/{jobID}", jobHandler.Get)
				r.Post("/{jobID}/cancel", jobHandler.Cancel)
				r.Get("/{jobID}/logs", logHandler.List)
			})

			r.Route("/machines", func(r chi.Router) {
				r.Get("/", machineHandler.List)
				r.Get("/{machineID}", machineHandler.Get)
				r.Post("/{machineID}/reclaim", machineHandler.Reclaim)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.ListenAddr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
