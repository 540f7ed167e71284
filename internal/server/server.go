// Package server exposes the trip cache over an HTTP control API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/app"
	"github.com/geoyee/tripcache/internal/config"
)

// Server wraps the HTTP server with the control API handlers.
type Server struct {
	server  *http.Server
	router  *mux.Router
	handler http.Handler
	app     *app.App
	cfg     config.ServerConfig
	logger  zerolog.Logger
}

// New creates a control API server for application.
func New(application *app.App, logger zerolog.Logger) *Server {
	cfg := application.Settings.Config()
	s := &Server{
		app:    application,
		cfg:    cfg.Server,
		logger: logger,
	}
	s.router = s.setupRoutes(cfg.Metrics)
	s.handler = s.corsMiddleware(s.router)
	s.server = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes(metricsCfg config.MetricsConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/cache", s.handleCache).Methods(http.MethodGet)
	r.HandleFunc("/api/checkpoints", s.handleCheckpoints).Methods(http.MethodGet)

	const trip = "/api/trips/{id:[0-9]+}"
	r.HandleFunc(trip, s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(trip+"/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc(trip+"/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc(trip+"/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc(trip+"/cancel", s.handleCancel).Methods(http.MethodPost)

	if metricsCfg.Enabled && s.app.Metrics != nil {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.app.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "Not found")
	})
	return r
}

// Handler returns the handler served on Addr.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("control API listening")
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down control API")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("panic recovered")
				respondError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
