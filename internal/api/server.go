// Package api serves the session CRUD surface, operator login, health probes
// and the result socket over one chi router.
package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"camrelay/internal/auth"
	"camrelay/internal/inference"
	"camrelay/internal/middleware"
	"camrelay/internal/session"
	"camrelay/internal/ws"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server to the rest of the daemon.
type Options struct {
	Registry       *session.Registry
	Auth           *auth.Authenticator
	Backend        inference.Backend // checked by /readyz, may be nil
	Database       Pinger            // checked by /readyz, may be nil
	RateLimit      int               // requests per minute per IP
	AllowedOrigins []string          // websocket origins, empty allows all
	Logger         zerolog.Logger
}

// Server is the HTTP front of the relay.
type Server struct {
	registry *session.Registry
	auth     *auth.Authenticator
	backend  inference.Backend
	db       Pinger
	logger   zerolog.Logger
	started  time.Time
	router   chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		registry: opts.Registry,
		auth:     opts.Auth,
		backend:  opts.Backend,
		db:       opts.Database,
		logger:   opts.Logger,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(middleware.AccessLog(opts.Logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	wsHandler := ws.NewHandler(opts.Registry, originChecker(opts.AllowedOrigins), opts.Logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(opts.Auth))
		r.Handle("/ws/sessions/{id}/results", wsHandler)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimit, time.Minute))
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(opts.Auth))
			r.Post("/sessions", s.handleCreate)
			r.Get("/sessions", s.handleList)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Get("/status", s.handleStatus)
				r.Post("/start", s.handleStart)
				r.Post("/stop", s.handleStop)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

type healthResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Sessions        int     `json:"sessions"`
	ActiveStreams   int     `json:"active_streams"`
	FramesProcessed uint64  `json:"frames_processed"`
	Backend         string  `json:"inference_backend,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	t := s.registry.Totals()
	resp := healthResponse{
		Status:          "healthy",
		UptimeSeconds:   time.Since(s.started).Seconds(),
		Sessions:        t.Sessions,
		ActiveStreams:   t.ActiveStreams,
		FramesProcessed: t.FramesProcessed,
	}
	if s.backend != nil {
		resp.Backend = s.backend.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	check := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if s.backend != nil {
		check("inference", s.backend.Check)
	}
	if s.db != nil {
		check("database", s.db.Ping)
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": checks})
}
