package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/config"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/runs"
)

// DefaultHeartbeatInterval is the pause between SSE keep-alive comments.
const DefaultHeartbeatInterval = 15 * time.Second

// Pinger is a dependency that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	config     *config.Config
	router     http.Handler
	httpServer *http.Server
	runs       *runs.Manager
	checks     map[string]Pinger
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	heartbeat  time.Duration
}

// NewServer wires the HTTP API. checks maps a dependency name such as
// "postgres" to its health probe; only configured dependencies belong there.
func NewServer(cfg *config.Config, rm *runs.Manager, checks map[string]Pinger, m *monitoring.Metrics, l *zap.Logger) *Server {
	s := &Server{
		config:    cfg,
		runs:      rm,
		checks:    checks,
		metrics:   m,
		logger:    l,
		heartbeat: DefaultHeartbeatInterval,
	}
	s.router = s.setupRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", s.config.ServerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Event streams stay open for the whole run, so writes are bounded
		// per route by the Timeout middleware instead.
		IdleTimeout: 120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
