// Package server exposes a protocol engine over HTTP: events are posted
// or streamed in, processed, and fanned out to websocket and server-push
// subscribers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
	"github.com/yubzen/agentstream/internal/middleware"
	"github.com/yubzen/agentstream/internal/protocol"
)

const (
	DefaultAddr              = "127.0.0.1:8765"
	DefaultHeartbeatInterval = 15 * time.Second
	readHeaderTimeout        = 10 * time.Second
)

var ErrNoRunStarter = errors.New("server has no run starter configured")

// RunStarter begins one agent run and returns its raw event stream.
type RunStarter func(ctx context.Context, input agent.RunAgentInput) <-chan events.Event

// EngineFactory builds the engine one run's stream is processed by. Runs
// never share engine state or stateful middlewares.
type EngineFactory func() *protocol.Engine

type Server struct {
	engine    *protocol.Engine
	logger    *slog.Logger
	addr      string
	heartbeat time.Duration
	buffer    int
	startRun  RunStarter
	runEngine EngineFactory

	broker     *Broker
	httpServer *http.Server
	ready      atomic.Bool
}

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr = strings.TrimSpace(addr); addr != "" {
			s.addr = addr
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDiscard(logger) }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

func WithStreamBuffer(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.buffer = size
		}
	}
}

func WithRunStarter(start RunStarter) Option {
	return func(s *Server) { s.startRun = start }
}

func WithRunEngine(factory EngineFactory) Option {
	return func(s *Server) {
		if factory != nil {
			s.runEngine = factory
		}
	}
}

func New(engine *protocol.Engine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("protocol engine is required")
	}
	s := &Server{
		engine:    engine,
		logger:    logging.Discard(),
		addr:      DefaultAddr,
		heartbeat: DefaultHeartbeatInterval,
		buffer:    DefaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runEngine == nil {
		s.runEngine = func() *protocol.Engine {
			return protocol.NewEngine(protocol.WithLogger(s.logger), protocol.WithMiddleware(middleware.Default(s.logger)...))
		}
	}
	s.broker = NewBroker(s.buffer, s.logger)
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.ready.Store(true)
	return s, nil
}

func (s *Server) Broker() *Broker { return s.broker }

func (s *Server) Addr() string { return s.addr }

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /agui/ws", s.handleWebSocket)
	mux.HandleFunc("GET /agui/stream", s.handleStream)
	mux.HandleFunc("GET /agui/state", s.handleState)
	mux.HandleFunc("POST /agui/events", s.handleEvent)
	mux.HandleFunc("POST /agui/input", s.handleInput)
	mux.HandleFunc("POST /agui/runs", s.handleRun)
	return requestLoggingMiddleware(s.logger)(mux)
}

// Start blocks serving until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.addr, "middlewares", s.engine.Middlewares())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// Shutdown closes every stream subscriber, then drains in-flight requests.
// If ctx expires first the listener is closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ready.Store(false)
	s.broker.Close()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		s.logger.Info("server stopped")
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return errors.Join(err, fmt.Errorf("force close: %w", closeErr))
		}
	}
	return fmt.Errorf("shutdown: %w", err)
}

type healthResponse struct {
	Status      string   `json:"status"`
	Middlewares []string `json:"middlewares"`
	Subscribers int      `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Middlewares: s.engine.Middlewares(),
		Subscribers: s.broker.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writePlain(w, http.StatusServiceUnavailable, "not ready\n")
		return
	}
	writePlain(w, http.StatusOK, "ready\n")
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
