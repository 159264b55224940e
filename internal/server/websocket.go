package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yubzen/agentstream/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket accepts events from the client and relays every
// published event back. Events the client sends that fail to process are
// answered on the same socket with a RUN_ERROR.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	replies := make(chan events.Event, s.buffer)
	done := make(chan struct{})
	go s.readSocket(r, conn, replies, done)

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev := <-replies:
			if err := writeSocket(conn, ev); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeSocket(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) readSocket(r *http.Request, conn *websocket.Conn, replies chan<- events.Event, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "err", err)
			}
			return
		}
		if _, err := s.emit(r.Context(), data); err != nil {
			s.logger.Warn("websocket event rejected", "err", err)
			_, code := mapError(err)
			select {
			case replies <- events.NewRunErrorEvent(err.Error(), events.WithErrorCode(code)):
			default:
			}
		}
	}
}

func writeSocket(conn *websocket.Conn, ev events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
