// Package api serves the agent's administrative HTTP API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/rmiagent/internal/auth"
	"github.com/mattjoyce/rmiagent/internal/events"
	"github.com/mattjoyce/rmiagent/internal/journal"
	"github.com/mattjoyce/rmiagent/internal/tracker"
)

// RequestTracker lists the requests in flight.
type RequestTracker interface {
	Entries() []tracker.Entry
}

// Canceller cancels outstanding requests by sn or by criteria.
type Canceller func(sn string, spec map[string]any) ([]string, error)

// Journal looks up finished requests.
type Journal interface {
	Get(ctx context.Context, sn string) (*journal.Entry, error)
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	Agent  string
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	tracker   RequestTracker
	cancel    Canceller
	journal   Journal
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server. A nil hub or metrics handler leaves /events
// or /metrics unrouted.
func New(config Config, tr RequestTracker, cancel Canceller, j Journal, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		tracker:   tr,
		cancel:    cancel,
		journal:   j,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.config.Tokens, s.writeError))
		r.With(auth.Require(auth.ResourceCancel, auth.Write, s.writeError)).Post("/cancel", s.handleCancel)
		r.With(auth.Require(auth.ResourceRequests, auth.Read, s.writeError)).Get("/requests", s.handleListRequests)
		r.With(auth.Require(auth.ResourceRequests, auth.Read, s.writeError)).Get("/requests/{sn}", s.handleGetRequest)
		if s.events != nil {
			r.With(auth.Require(auth.ResourceEvents, auth.Read, s.writeError)).Get("/events", s.handleEvents)
		}
		if s.metrics != nil {
			r.With(auth.Require(auth.ResourceMetrics, auth.Read, s.writeError)).Get("/metrics", s.metrics.ServeHTTP)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
