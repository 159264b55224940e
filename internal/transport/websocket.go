package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yubzen/agentstream/internal/events"
)

var errNotConnected = errors.New("not connected")

// WebSocket exchanges one JSON event per text frame.
type WebSocket struct {
	status
	url     string
	token   string
	timeout time.Duration
	dialer  *websocket.Dialer

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
}

func NewWebSocket(cfg Config) *WebSocket {
	timeout := timeoutOr(cfg.Timeout)
	return &WebSocket{
		status:  newStatus(KindWebSocket, cfg.Logger),
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: timeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

func (w *WebSocket) Connect(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	header := http.Header{}
	bearer(header, w.token)
	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		w.fail("connect", err)
		return false
	}
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()
	w.setConnected(true)
	return true
}

func (w *WebSocket) current() *websocket.Conn {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return w.conn
}

func (w *WebSocket) Disconnect() bool {
	w.connMu.Lock()
	conn := w.conn
	w.conn = nil
	w.connMu.Unlock()
	w.setConnected(false)
	if conn == nil {
		return true
	}

	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		w.fail("disconnect", err)
		return false
	}
	return true
}

func (w *WebSocket) SendEvent(ctx context.Context, e events.Event) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := events.Marshal(e)
	if err != nil {
		return false, err
	}
	conn := w.current()
	if conn == nil {
		w.fail("send", errNotConnected)
		return false, nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(w.timeout)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.fail("send", err)
		w.setConnected(false)
		return false, nil
	}
	return true, nil
}

// ReceiveEvent blocks for the next frame. Cancelling ctx aborts the read;
// the socket is unusable afterwards and must be reconnected.
func (w *WebSocket) ReceiveEvent(ctx context.Context) (events.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn := w.current()
	if conn == nil {
		w.fail("receive", errNotConnected)
		return nil, nil
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		w.fail("receive", err)
		w.setConnected(false)
		return nil, nil
	}
	return events.Decode(data)
}
