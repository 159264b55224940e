package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yubzen/agentstream/internal/events"
)

func TestFrameReader(t *testing.T) {
	t.Parallel()

	stream := ": keep-alive\n\n" +
		"id: 1\nevent: message\ndata: first\n\n" +
		"data: line one\ndata: line two\n\n" +
		"data:tight\r\n\r\n" +
		"data: dangling"
	r := NewFrameReader(strings.NewReader(stream))

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", got)

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "tight", got)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewFrameReader(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEReceivesFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "data: {\"type\":\"RUN_STARTED\",\n")
		fmt.Fprint(w, "data: \"thread_id\":\"t1\",\"run_id\":\"r1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"FUTURE_THING\",\"x\":1}\n\n")
	}))
	defer srv.Close()

	sse := NewSSE(Config{URL: srv.URL, Token: "tok"})
	require.True(t, sse.Connect(context.Background()))
	assert.True(t, sse.Connected())

	e, err := sse.ReceiveEvent(context.Background())
	require.NoError(t, err)
	started, ok := e.(events.RunStarted)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "r1", started.RunID)

	e, err = sse.ReceiveEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeRaw, e.Type())

	e, err = sse.ReceiveEvent(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, e)
	assert.ErrorIs(t, sse.LastError(), io.EOF)
	assert.False(t, sse.Connected())
	assert.True(t, sse.Disconnect())
}

func TestSSESendIsReceiveOnly(t *testing.T) {
	t.Parallel()

	sse := NewSSE(Config{URL: "http://127.0.0.1:1"})
	inputs := []events.Event{nil, events.NewRunStartedEvent("t", "r"), events.NewCustomEvent("x", 1)}
	for _, e := range inputs {
		ok, err := sse.SendEvent(context.Background(), e)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrReceiveOnly)
		assert.Contains(t, err.Error(), "receive-only")
	}
}

func TestSSEConnectFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sse := NewSSE(Config{URL: srv.URL})
	assert.False(t, sse.Connect(context.Background()))
	assert.Error(t, sse.LastError())

	e, err := sse.ReceiveEvent(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestHTTPPushSend(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var code atomic.Int32
	code.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var obj map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&obj))
		assert.Equal(t, "STEP_STARTED", obj["type"])
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	push := NewHTTPPush(Config{URL: srv.URL, Token: "secret"})
	require.True(t, push.Connect(context.Background()))

	ok, err := push.SendEvent(context.Background(), events.NewStepStartedEvent("s"))
	require.NoError(t, err)
	assert.True(t, ok)

	code.Store(http.StatusInternalServerError)
	ok, err = push.SendEvent(context.Background(), events.NewStepStartedEvent("s"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, push.LastError())
	assert.Equal(t, int32(2), hits.Load())

	_, err = push.ReceiveEvent(context.Background())
	assert.ErrorIs(t, err, ErrRequiresWebhook)
	assert.Contains(t, err.Error(), "requires a webhook")
}

func TestHTTPPushNetworkFailureIsFalse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	push := NewHTTPPush(Config{URL: url, Timeout: time.Second})
	ok, err := push.SendEvent(context.Background(), events.NewStepStartedEvent("s"))
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = push.SendEvent(context.Background(), events.TextMessageContent{MessageID: "m"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, events.ErrValidation)

	assert.False(t, NewHTTPPush(Config{URL: "not a url"}).Connect(context.Background()))
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(Config{URL: wsURL(srv.URL)})
	require.True(t, ws.Connect(context.Background()))

	content, err := events.NewTextMessageContentEvent("m1", "hello")
	require.NoError(t, err)
	ok, err := ws.SendEvent(context.Background(), content)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := ws.ReceiveEvent(context.Background())
	require.NoError(t, err)
	msg, isContent := got.(events.TextMessageContent)
	require.True(t, isContent, "got %T", got)
	assert.Equal(t, "hello", msg.Delta)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err = ws.ReceiveEvent(ctx)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, ws.Connected())

	assert.True(t, ws.Disconnect())
	ok, err = ws.SendEvent(context.Background(), content)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestWebSocketConnectFailure(t *testing.T) {
	t.Parallel()

	ws := NewWebSocket(Config{URL: "ws://127.0.0.1:1/nowhere", Timeout: time.Second})
	assert.False(t, ws.Connect(context.Background()))
	assert.Error(t, ws.LastError())
}

func TestNewAndPump(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	push, err := New(Config{Kind: "http", URL: srv.URL})
	require.NoError(t, err)
	ch := make(chan events.Event, 3)
	ch <- events.NewStepStartedEvent("a")
	ch <- events.NewStepStartedEvent("b")
	ch <- events.NewStepStartedEvent("c")
	close(ch)

	sent, failed, err := Pump(context.Background(), push, ch)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)

	sse, err := New(Config{Kind: "sse", URL: srv.URL})
	require.NoError(t, err)
	ch2 := make(chan events.Event, 1)
	ch2 <- events.NewStepStartedEvent("a")
	_, _, err = Pump(context.Background(), sse, ch2)
	assert.ErrorIs(t, err, ErrReceiveOnly)
}

func TestPumpSendsTerminalEventAfterCancel(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e, err := events.Decode(body)
		if err == nil {
			mu.Lock()
			got = append(got, string(e.Type()))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	push, err := New(Config{Kind: "http", URL: srv.URL})
	require.NoError(t, err)
	require.True(t, push.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan events.Event, 2)
	ch <- events.NewStepStartedEvent("late")
	ch <- events.NewRunErrorEvent("run cancelled", events.WithErrorCode("cancelled"))
	close(ch)

	sent, failed, err := Pump(ctx, push, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{string(events.EventTypeRunError)}, got)
}
