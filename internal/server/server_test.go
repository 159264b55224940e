package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yubzen/agentstream/internal/agent"
	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/middleware"
	"github.com/yubzen/agentstream/internal/protocol"
	"github.com/yubzen/agentstream/internal/transport"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	engine := protocol.NewEngine(protocol.WithMiddleware(middleware.NewValidation()))
	srv, err := New(engine, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Broker().Close()
		ts.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeAPIError(t *testing.T, resp *http.Response) apiError {
	t.Helper()
	var body apiErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"validation"}, health.Middlewares)

	ready, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestPostEventUpdatesState(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/agui/events", `{"type":"STATE_SNAPSHOT","snapshot":{"count":1}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/agui/events",
		`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/count","value":2}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	state, err := http.Get(ts.URL + "/agui/state")
	require.NoError(t, err)
	defer state.Body.Close()

	var body stateResponse
	require.NoError(t, json.NewDecoder(state.Body).Decode(&body))
	assert.Equal(t, float64(2), body.State["count"])
}

func TestPostEventErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "empty body", body: "", status: http.StatusBadRequest, code: errorCodeInvalidRequest},
		{name: "two objects", body: `{} {}`, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
		{name: "missing type", body: `{"snapshot":{}}`, status: http.StatusBadRequest, code: errorCodeInvalidEvent},
		{name: "not an object", body: `[1,2]`, status: http.StatusBadRequest, code: errorCodeInvalidEvent},
		{name: "missing field", body: `{"type":"RUN_STARTED","thread_id":"t"}`, status: http.StatusBadRequest, code: errorCodeInvalidEvent},
		{
			name:   "patch conflict",
			body:   `{"type":"STATE_DELTA","delta":[{"op":"remove","path":"/missing"}]}`,
			status: http.StatusConflict,
			code:   errorCodeStateConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/agui/events", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeAPIError(t, resp).Code)
		})
	}
}

func TestPostInput(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/agui/input", `{"state":{"a":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out, "state")

	resp = postJSON(t, ts.URL+"/agui/input", `null`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errorCodeInvalidRequest, decodeAPIError(t, resp).Code)
}

func TestStreamRelaysPublishedEvents(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/agui/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	postJSON(t, ts.URL+"/agui/events", `{"type":"STEP_STARTED","step_name":"plan"}`)

	payload, err := transport.NewFrameReader(reader).Next()
	require.NoError(t, err)
	ev, err := events.Decode([]byte(payload))
	require.NoError(t, err)
	started, ok := ev.(events.StepStarted)
	require.True(t, ok)
	assert.Equal(t, "plan", started.StepName)
}

func TestRunWithoutStarter(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/agui/runs", `{"thread_id":"t","run_id":"r","messages":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, errorCodeUnavailable, decodeAPIError(t, resp).Code)
}

func TestRunStreamsEvents(t *testing.T) {
	starter := func(_ context.Context, input agent.RunAgentInput) <-chan events.Event {
		ch := make(chan events.Event, 3)
		ch <- events.NewRunStartedEvent(input.ThreadID, input.RunID)
		ch <- events.NewStateSnapshotEvent(map[string]any{"phase": "done"})
		ch <- events.NewRunFinishedEvent(input.ThreadID, input.RunID)
		close(ch)
		return ch
	}
	srv, ts := newTestServer(t, WithRunStarter(starter))

	resp := postJSON(t, ts.URL+"/agui/runs", `{"thread_id":"t1","run_id":"r1","messages":[{"id":"m1","role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := transport.NewFrameReader(resp.Body)
	var types []events.EventType
	for {
		payload, err := reader.Next()
		if err != nil {
			break
		}
		ev, err := events.Decode([]byte(payload))
		require.NoError(t, err)
		types = append(types, ev.Type())
	}

	assert.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeStateSnapshot,
		events.EventTypeRunFinished,
	}, types)
	assert.NotContains(t, srv.engine.State(), "phase", "runs do not write the shared engine")
}

func TestRunsGetTheirOwnEngine(t *testing.T) {
	starter := func(_ context.Context, input agent.RunAgentInput) <-chan events.Event {
		ch := make(chan events.Event, 3)
		ch <- events.NewRunStartedEvent(input.ThreadID, input.RunID)
		ch <- events.NewStateSnapshotEvent(map[string]any{"run": input.RunID})
		ch <- events.NewRunFinishedEvent(input.ThreadID, input.RunID)
		close(ch)
		return ch
	}
	var mu sync.Mutex
	var engines []*protocol.Engine
	factory := func() *protocol.Engine {
		e := protocol.NewEngine(protocol.WithMiddleware(middleware.NewValidation()))
		mu.Lock()
		engines = append(engines, e)
		mu.Unlock()
		return e
	}
	_, ts := newTestServer(t, WithRunStarter(starter), WithRunEngine(factory))

	for _, runID := range []string{"r1", "r2"} {
		resp := postJSON(t, ts.URL+"/agui/runs", `{"thread_id":"t","run_id":"`+runID+`","messages":[{"id":"m1","role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, err := io.Copy(io.Discard, resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, engines, 2)
	assert.Equal(t, map[string]any{"run": "r1"}, engines[0].State())
	assert.Equal(t, map[string]any{"run": "r2"}, engines[1].State())
}

func TestWebSocketRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agui/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"STEP_STARTED","step_name":"ws"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeStepStarted, ev.Type())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"RUN_STARTED"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	ev, err = events.Decode(data)
	require.NoError(t, err)
	runErr, ok := ev.(events.RunError)
	require.True(t, ok)
	assert.Equal(t, errorCodeInvalidEvent, runErr.Code)
}

func TestShutdownClosesSubscribers(t *testing.T) {
	srv, err := New(protocol.NewEngine(), WithAddr("127.0.0.1:0"))
	require.NoError(t, err)
	sub := srv.Broker().Subscribe()

	require.NoError(t, srv.Shutdown(context.Background()))

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, srv.ready.Load())
}
