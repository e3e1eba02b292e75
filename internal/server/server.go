// Package server exposes the FlowQ REST API. Every mutation flows through
// the dispatch loop so the in-memory scheduler and the store stay in step;
// reads go straight to the store.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/flowq/internal/config"
	"github.com/me/flowq/internal/dispatch"
	"github.com/me/flowq/internal/store"
	"github.com/me/flowq/internal/worker"
)

// Server is the FlowQ REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	loop      *dispatch.Loop
	registry  *worker.Registry
}

// New creates a Server with all routes registered. loop may be nil when no
// dispatching is desired (e.g. read-only tooling).
func New(cfg config.ServerConfig, st store.Store, loop *dispatch.Loop, reg *worker.Registry, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		loop:      loop,
		registry:  reg,
	}
	s.routes()
	return s
}

// StartLoop begins the dispatch loop in a background goroutine.
func (s *Server) StartLoop(ctx context.Context) {
	if s.loop == nil {
		return
	}
	go func() {
		if err := s.loop.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("dispatch loop stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	// Plain liveness probe alongside the enveloped health endpoint.
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Post("/retry", s.handleRetryJob)
			})
		})

		r.Get("/queue/stats", s.handleQueueStats)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Delete("/", s.handleDeleteWorkflow)
				r.Post("/validate", s.handleValidateWorkflow)
				r.Get("/estimate", s.handleEstimateWorkflow)
				r.Post("/runs", s.handleStartRun)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/cancel", s.handleCancelRun)
				r.Get("/jobs", s.handleListRunJobs)
			})
		})
	})
}
