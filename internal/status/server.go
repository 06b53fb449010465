// Package status serves the read-only HTTP view of a running watcher:
// health, the current alarm table and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/unklstewy/aboveme/internal/metrics"
	"github.com/unklstewy/aboveme/internal/watcher"
	"github.com/unklstewy/aboveme/pkg/config"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

// DefaultStaleAfter is how long without a processed snapshot before
// /healthz reports the watcher as unhealthy.
const DefaultStaleAfter = 5 * time.Minute

// Source is the watcher as seen by the status server.
type Source interface {
	Alarms() tracking.AlarmTable
	Status() watcher.Status
}

// AlarmsResponse is the body of GET /api/v1/alarms.
type AlarmsResponse struct {
	Count  int                    `json:"count"`
	Alarms []tracking.AlarmRecord `json:"alarms"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string         `json:"status"`
	Uptime string         `json:"uptime"`
	Loop   watcher.Status `json:"loop"`
}

// Server is the status HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	source     Source
	logger     *slog.Logger
	started    time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// New creates the server and its routes. Call ListenAndServe to start it.
func New(cfg config.StatusConfig, source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     chi.NewRouter(),
		source:     source,
		logger:     logger,
		started:    time.Now(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	s.setupRoutes(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(origins []string) {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alarms", s.handleGetAlarms)
		r.Get("/alarms/{hex}", s.handleGetAlarm)
		r.Get("/status", s.handleGetStatus)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down. It returns nil after
// a clean Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("status server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	resp := HealthResponse{
		Status: "ok",
		Uptime: s.now().Sub(s.started).Round(time.Second).String(),
		Loop:   st,
	}

	code := http.StatusOK
	switch {
	case st.LastCycle.IsZero():
		resp.Status = "starting"
		if s.now().Sub(s.started) > s.staleAfter {
			resp.Status = "stale"
			code = http.StatusServiceUnavailable
		}
	case s.now().Sub(st.LastCycle) > s.staleAfter:
		resp.Status = "stale"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleGetAlarms(w http.ResponseWriter, r *http.Request) {
	alarms := s.source.Alarms().Sorted()
	respondJSON(w, http.StatusOK, AlarmsResponse{Count: len(alarms), Alarms: alarms})
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	hex := strings.ToUpper(chi.URLParam(r, "hex"))

	rec, ok := s.source.Alarms()[hex]
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "aircraft not tracked"})
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
