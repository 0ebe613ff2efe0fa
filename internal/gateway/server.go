// Package gateway exposes the orchestrator over HTTP: a JSON and SSE chat
// endpoint, a WebSocket event stream, memory queue status, metrics and
// health.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Runner executes orchestrated turns.
type Runner interface {
	Run(ctx context.Context, req *models.Request) (*models.Result, error)
	Stream(ctx context.Context, req *models.Request) (<-chan models.StreamEvent, error)
}

// StatusSource reports the memory queue.
type StatusSource interface {
	Status(ctx context.Context) (*memory.Status, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// Deps are the server's collaborators. Runner is required.
type Deps struct {
	Runner  Runner
	Memory  StatusSource
	Metrics *observability.Metrics
	Auth    *auth.Service
	Logger  *slog.Logger
}

// Server serves the gateway routes.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server.
func New(config Config, deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8080"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 4 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: config, deps: deps, logger: logger.With("component", "gateway")}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	protected := auth.Middleware(s.deps.Auth, s.logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat", protected(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /v1/ws", protected(http.HandlerFunc(s.handleWS)))
	mux.Handle("GET /v1/memory/status", protected(http.HandlerFunc(s.handleMemoryStatus)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return s.withRecovery(s.withRequestContext(mux))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.httpServer = nil
	s.listener = nil
	if err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
