// Package health exposes the liveness endpoint and the shutdown lifecycle
// flag the serve loop flips while draining.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle tracks whether the process is shutting down.
type Lifecycle struct {
	shuttingDown atomic.Bool
}

// BeginShutdown flips the flag; the health endpoint starts answering 503.
func (l *Lifecycle) BeginShutdown() { l.shuttingDown.Store(true) }

// IsShuttingDown reports the flag.
func (l *Lifecycle) IsShuttingDown() bool { return l.shuttingDown.Load() }

// Check is a named liveness probe. It must return quickly; the handler
// enforces the configured timeout around all checks.
type Check func(ctx context.Context) error

type response struct {
	Status               string `json:"status"`
	UptimeSec            int64  `json:"uptimeSec"`
	ShuttingDown         bool   `json:"shuttingDown"`
	LastSuccessfulTurnMs int64  `json:"lastSuccessfulTurnMs"`
	LastTurnAgoSec       int64  `json:"lastTurnAgoSec"`
	Detail               string `json:"detail,omitempty"`
}

// Server serves GET /health.
type Server struct {
	lifecycle    *Lifecycle
	lastTurnMs   func() int64
	checkTimeout time.Duration
	logger       *slog.Logger
	startedAt    time.Time

	mu     sync.Mutex
	checks map[string]Check

	httpSrv *http.Server
}

// NewServer builds the health server. lastTurnMs reports when the engine last
// completed a turn (0 = never).
func NewServer(addr string, lifecycle *Lifecycle, lastTurnMs func() int64, checkTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checkTimeout <= 0 {
		checkTimeout = 1500 * time.Millisecond
	}
	s := &Server{
		lifecycle:    lifecycle,
		lastTurnMs:   lastTurnMs,
		checkTimeout: checkTimeout,
		logger:       logger,
		startedAt:    time.Now(),
		checks:       make(map[string]Check),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// AddCheck registers a named liveness probe.
func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the health handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{
		Status:       "ok",
		UptimeSec:    int64(time.Since(s.startedAt).Seconds()),
		ShuttingDown: s.lifecycle != nil && s.lifecycle.IsShuttingDown(),
	}
	if s.lastTurnMs != nil {
		resp.LastSuccessfulTurnMs = s.lastTurnMs()
		if resp.LastSuccessfulTurnMs > 0 {
			resp.LastTurnAgoSec = (time.Now().UnixMilli() - resp.LastSuccessfulTurnMs) / 1000
		}
	}

	code := http.StatusOK
	if resp.ShuttingDown {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	} else if detail := s.runChecks(r.Context()); detail != "" {
		resp.Status = "unhealthy"
		resp.Detail = detail
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// runChecks returns the first failure, or empty when everything passes
// within the timeout.
func (s *Server) runChecks(ctx context.Context) string {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.Unlock()
	if len(checks) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()
	for name, check := range checks {
		if err := check(ctx); err != nil {
			return name + ": " + err.Error()
		}
	}
	return ""
}
