// Package api serves the admin HTTP surface: source and schedule
// management, job history, scheduler control, Prometheus metrics and a
// websocket stream of job events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/scheduler"
	"tdl-archive-manager/internal/store"
)

// Scheduler is the scheduler surface the API drives.
type Scheduler interface {
	SetEnabled(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error)
	TriggerManually(ctx context.Context, sourceID int64, jobType string) error
	UpdateCron(ctx context.Context, expr string) error
	SetGlobalEnabled(ctx context.Context, enabled bool) error
	Status() scheduler.Status
}

type Renamer interface {
	RenameSourceFiles(ctx context.Context, sourceID int64) (int, error)
}

type Options struct {
	Store     store.Store
	Scheduler Scheduler
	Renamer   Renamer
	Hub       *Hub
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger

	CORSOrigins []string
	// JWTSecret enables bearer auth on mutating routes.
	JWTSecret string
	// DiskPath is reported in /api/stats.
	DiskPath string
}

type Server struct {
	store     store.Store
	scheduler Scheduler
	renamer   Renamer
	hub       *Hub
	metrics   http.Handler
	logger    *slog.Logger
	auth      *Authenticator
	origins   []string
	diskPath  string
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     opts.Store,
		scheduler: opts.Scheduler,
		renamer:   opts.Renamer,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "api"),
		auth:      NewAuthenticator(opts.JWTSecret),
		origins:   opts.CORSOrigins,
		diskPath:  opts.DiskPath,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.listSources).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id:[0-9]+}", s.getSource).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id:[0-9]+}/exports", s.listExports).Methods(http.MethodGet)
	api.HandleFunc("/sources/{id:[0-9]+}/downloads", s.listDownloads).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/scheduler", s.getScheduler).Methods(http.MethodGet)
	api.HandleFunc("/inflight", s.inflight).Methods(http.MethodGet)
	if s.hub != nil {
		api.Handle("/events", s.hub).Methods(http.MethodGet)
	}

	mut := api.NewRoute().Subrouter()
	mut.Use(s.auth.Middleware)
	mut.HandleFunc("/sources/{id:[0-9]+}/folder", s.setFolder).Methods(http.MethodPut)
	mut.HandleFunc("/sources/{id:[0-9]+}/schedules/{job_type}", s.setSchedule).Methods(http.MethodPut)
	mut.HandleFunc("/sources/{id:[0-9]+}/jobs/{job_type}", s.triggerJob).Methods(http.MethodPost)
	mut.HandleFunc("/sources/{id:[0-9]+}/rename", s.renameFiles).Methods(http.MethodPost)
	mut.HandleFunc("/scheduler", s.updateScheduler).Methods(http.MethodPut)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	if len(s.origins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}).Handler(r)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, store.ErrReadOnly):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
