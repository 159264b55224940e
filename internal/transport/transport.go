package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
)

var (
	ErrReceiveOnly     = errors.New("SSE transport is receive-only")
	ErrRequiresWebhook = errors.New("HTTP transport requires a webhook endpoint to receive events")
	ErrUnknownKind     = errors.New("unknown transport kind")
)

const (
	KindWebSocket = "websocket"
	KindSSE       = "sse"
	KindHTTP      = "http"

	defaultTimeout = 30 * time.Second
)

// Transport delivers encoded events. Network failures never surface as
// errors: Connect, Disconnect and SendEvent report them as false and
// ReceiveEvent as a nil event, with the cause logged and kept in
// LastError. A non-nil error means the operation is unsupported by the
// transport or the event itself is invalid.
type Transport interface {
	Name() string
	Connect(ctx context.Context) bool
	Disconnect() bool
	SendEvent(ctx context.Context, e events.Event) (bool, error)
	ReceiveEvent(ctx context.Context) (events.Event, error)
	Connected() bool
	LastError() error
}

type Config struct {
	Kind       string
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func New(cfg Config) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindWebSocket, "ws":
		return NewWebSocket(cfg), nil
	case KindSSE:
		return NewSSE(cfg), nil
	case KindHTTP, "https":
		return NewHTTPPush(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Pump drains ch into t in order until ch closes. Failed sends are counted
// and skipped; an unsupported-operation error stops the pump. Once ctx is
// done only the terminal event is still sent, detached from ctx and bounded
// by the transport's own timeout.
func Pump(ctx context.Context, t Transport, ch <-chan events.Event) (sent, failed int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for e := range ch {
		sendCtx := ctx
		if ctx.Err() != nil {
			if !events.IsTerminal(e) {
				continue
			}
			sendCtx = context.WithoutCancel(ctx)
		}
		delivered, sendErr := t.SendEvent(sendCtx, e)
		if errors.Is(sendErr, ErrReceiveOnly) {
			return sent, failed, sendErr
		}
		if delivered {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

type status struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	lastErr   error
}

func newStatus(name string, logger *slog.Logger) status {
	return status{name: name, logger: logging.OrDiscard(logger)}
}

func (s *status) Name() string { return s.name }

func (s *status) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *status) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *status) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	if v {
		s.lastErr = nil
	}
	s.mu.Unlock()
}

func (s *status) fail(op string, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("transport operation failed", "transport", s.name, "op", op, "err", err)
}

func timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return defaultTimeout
}

func bearer(h http.Header, token string) {
	if token = strings.TrimSpace(token); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
