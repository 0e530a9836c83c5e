package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/brojonat/tipjar/service/tipjar"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the tip jar service.
type Server struct {
	addr     string
	settings tipjar.Settings
	sessions *tipjar.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server

	// keepalive is the SSE comment interval.
	keepalive time.Duration
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, settings tipjar.Settings, sessions *tipjar.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		settings:  settings,
		sessions:  sessions,
		metrics:   m,
		logger:    logger,
		keepalive: 10 * time.Second,
	}
}

// Handler builds the routed handler. Start serves it; tests can mount it
// on an httptest server directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/config", "/api/v1/config", handleGetConfig(s.settings))

	// Session routes
	route("POST /api/v1/sessions", "/api/v1/sessions", handleCreateSession(s.sessions, s.logger))
	route("GET /api/v1/sessions/{id}", "/api/v1/sessions/{id}", handleGetSession(s.sessions))
	route("DELETE /api/v1/sessions/{id}", "/api/v1/sessions/{id}", handleDeleteSession(s.sessions))
	route("POST /api/v1/sessions/{id}/action", "/api/v1/sessions/{id}/action", handleAction(s.sessions, s.logger))
	route("POST /api/v1/sessions/{id}/reset", "/api/v1/sessions/{id}/reset", handleReset(s.sessions))
	route("POST /api/v1/sessions/{id}/amount", "/api/v1/sessions/{id}/amount", handleSelectAmount(s.sessions, s.logger))
	route("POST /api/v1/sessions/{id}/disconnect", "/api/v1/sessions/{id}/disconnect", handleDisconnect(s.sessions, s.logger))

	// SSE stream of session snapshots
	route("GET /api/v1/sessions/{id}/stream", "/api/v1/sessions/{id}/stream", handleStreamSession(s.sessions, s.metrics, s.keepalive, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.metrics != nil {
		s.logger.Info("Prometheus metrics endpoint enabled")
	}
	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server. Sessions are owned by
// the manager and closed by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
