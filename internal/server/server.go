// Package server exposes the chat pipeline and the digest runtime state
// over HTTP.
//
// Endpoints:
//
//	POST /api/chat   one chat turn; JSON response, or NDJSON events when
//	                 the request asks for streaming
//	GET  /api/state  digest runtime state (schema v2)
//	GET  /healthz    liveness probe, always 200 while the process lives
//	GET  /readyz     readiness probe, 503 while starting up or draining
//
// Errors are returned as {"error": "<brief>"} with an appropriate status.
// Optional bearer auth and per-IP rate limiting wrap the API paths.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"engram/internal/auth"
	"engram/internal/config"
	"engram/internal/lockfile"
	"engram/internal/logging"
	"engram/internal/pipeline"
	"engram/internal/runstate"
)

// Server hosts the HTTP API.
type Server struct {
	cfg    config.Config
	pipe   *pipeline.Pipeline
	state  *runstate.Store
	lock   *lockfile.Service
	queue  *pipeline.Queue
	tokens *auth.TokenService
	logger *slog.Logger

	httpServer *http.Server
	ready      atomic.Bool
}

// New creates a Server. tokens may be nil (auth disabled).
func New(cfg config.Config, pipe *pipeline.Pipeline, state *runstate.Store, lock *lockfile.Service, queue *pipeline.Queue, tokens *auth.TokenService, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		pipe:   pipe,
		state:  state,
		lock:   lock,
		queue:  queue,
		tokens: tokens,
		logger: logging.Default(logger).With("component", "server"),
	}
}

// Handler builds the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/state", s.handleState)
	s.registerProbes(mux)

	var h http.Handler = mux
	if s.cfg.RateLimitRPS > 0 {
		rl := newRateLimiter(s.cfg.RateLimitRPS, rateBurst(s.cfg.RateLimitRPS))
		h = rateLimitMiddleware(rl)(h)
	}
	h = auth.Middleware(s.tokens)(h)
	return h
}

// Start serves until ctx is cancelled, then drains with a bounded timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("listening", "addr", s.cfg.ListenAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// registerProbes adds liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness: 200 while the process is alive.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness: 200 only while accepting traffic.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// MarkReady flips the readiness probe. Exposed for embedding setups that
// construct the handler themselves.
func (s *Server) MarkReady(ready bool) {
	s.ready.Store(ready)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
