// Package api provides the admin HTTP endpoints: health, metrics,
// on-demand diagnostics and stored crash reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/diagnostic"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/health"
)

// Server serves the admin endpoints.
type Server struct {
	router      chi.Router
	registry    *diagnostic.Registry
	crashes     *diagnostic.Crashes
	health      *health.Registry
	metrics     http.Handler
	corsOrigins []string
	logger      *slog.Logger
	guard       func()
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth serves /health from r.
func WithHealth(r *health.Registry) ServerOption {
	return func(s *Server) {
		s.health = r
	}
}

// WithMetrics serves /metrics from h.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithCORSOrigins allows browser access from origins.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithGuard sets a function deferred at the top of the serve loop and of
// the goroutines it starts.
func WithGuard(guard func()) ServerOption {
	return func(s *Server) {
		s.guard = guard
	}
}

// NewServer creates the admin server. crashes may be nil when crash
// capture is disabled.
func NewServer(registry *diagnostic.Registry, crashes *diagnostic.Crashes, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		crashes:  crashes,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = func() {}
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	if len(s.corsOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
			AllowCredentials: false,
			MaxAge:           300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/debug", func(r chi.Router) {
		r.Route("/diagnostic", func(r chi.Router) {
			r.Get("/", s.handleListDiagnostics)
			r.Get("/{type}", s.handleGetDiagnostic)
		})
		r.Route("/crashes", func(r chi.Router) {
			r.Get("/", s.handleListCrashes)
			r.Route("/{artifactID}", func(r chi.Router) {
				r.Get("/", s.handleGetCrash)
				r.Get("/raw", s.handleGetCrashRaw)
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, health.Report{State: health.Healthy, Checks: map[string]health.Result{}})
		return
	}
	rep := s.health.Run(r.Context())
	status := http.StatusOK
	if rep.State == health.Error {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, rep)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	defer s.guard()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer s.guard()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting admin server", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
