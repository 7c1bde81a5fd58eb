// Package server implements the task engine's HTTP surface: the REST API
// over engine/service.Service, bearer-token auth, and an SSE real-time
// event stream — adapted from the teacher's server.Server (same
// New/Start/Stop shape, same auth-middleware-wrapped sub-mux pattern).
package server

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskforge/engine/config"
	"github.com/taskforge/engine/engine"
	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/server/api"
	"github.com/taskforge/engine/server/ws"
)

// Server is the task engine's HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	eng      *engine.Engine
	bus      *events.InMemoryBus
	hub      *ws.Hub
	handlers *api.Handlers

	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New builds a Server around an already-wired engine.Engine, fanning the
// engine's events out to both an in-memory history bus (for the
// /history endpoint) and an SSE hub (for /events), the way SPEC_FULL.md
// describes composing events.Fanout over two Publisher sinks. Call
// before eng.Start().
func New(cfg *config.Config, ver string, logger *slog.Logger) *Server {
	bus := events.NewInMemoryBus()
	hub := ws.NewHub(logger)

	reg := newDefaultRegistry()
	eng := engine.New(cfg, reg,
		engine.WithPublisher(events.Fanout{bus, hub}),
		engine.WithLogger(logger),
	)

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		eng:       eng,
		bus:       bus,
		hub:       hub,
		startTime: time.Now(),
		version:   ver,
	}
	return s
}

// Engine exposes the wired engine, e.g. so cmd/taskforged can register
// executors before calling Start.
func (s *Server) Engine() *engine.Engine {
	return s.eng
}

// SetStaticFS sets the embedded filesystem to serve UI files from. Call
// before Start.
func (s *Server) SetStaticFS(fsys fs.FS) {
	s.mux.Handle("/", http.FileServerFS(fsys))
}

// Start registers routes, starts the engine's dispatch loop, and begins
// listening.
func (s *Server) Start() error {
	s.registerRoutes()
	s.eng.Start()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and the engine's dispatch
// loop.
func (s *Server) Stop(ctx context.Context) error {
	s.eng.Stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Service: s.eng.Service,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
	}
	s.handlers = h

	// Public routes (no auth required).
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	})

	// SSE — auth handled inline via a query token param because
	// EventSource can't set an Authorization header.
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in the bearer-token auth middleware.
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleSSE authenticates via a query-string token (EventSource cannot
// set request headers) and then hands the connection to the ws.Hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r)
}
