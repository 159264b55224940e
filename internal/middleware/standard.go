package middleware

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
)

var ErrMissingInput = errors.New("input payload is required")

type Validation struct{}

func NewValidation() *Validation { return &Validation{} }

func (*Validation) Name() string { return "validation" }

func (*Validation) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	if e == nil {
		return nil, &events.ValidationError{Field: "type", Reason: "is required"}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (*Validation) ProcessInput(_ context.Context, in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, ErrMissingInput
	}
	return in, nil
}

// StateMerge folds the "state" mapping of CUSTOM events named "state.*"
// (and of inputs carrying a "state" key) into a running mapping, and stamps
// a copy of it into metadata["state"].
type StateMerge struct {
	mu    sync.Mutex
	state map[string]any
}

func NewStateMerge() *StateMerge { return &StateMerge{state: map[string]any{}} }

func (*StateMerge) Name() string { return "state" }

func (m *StateMerge) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, value, ok := customPayload(e); ok && strings.HasPrefix(name, "state.") {
		mergeKey(m.state, value, "state")
	}
	if len(m.state) == 0 {
		return e, nil
	}
	return events.WithMeta(e, "state", maps.Clone(m.state)), nil
}

func (m *StateMerge) ProcessInput(_ context.Context, in map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mergeKey(m.state, in, "state")
	return in, nil
}

func (m *StateMerge) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.state)
}

// ContextEnrichment keeps a running context fed by CUSTOM "context.update"
// events and stamps it into metadata["context"].
type ContextEnrichment struct {
	mu      sync.Mutex
	context map[string]any
}

func NewContextEnrichment() *ContextEnrichment {
	return &ContextEnrichment{context: map[string]any{}}
}

func (*ContextEnrichment) Name() string { return "context" }

func (m *ContextEnrichment) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, value, ok := customPayload(e); ok && name == "context.update" {
		mergeKey(m.context, value, "context")
	}
	if len(m.context) == 0 {
		return e, nil
	}
	return events.WithMeta(e, "context", maps.Clone(m.context)), nil
}

func (m *ContextEnrichment) ProcessInput(_ context.Context, in map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mergeKey(m.context, in, "context")
	return in, nil
}

type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{logger: logging.OrDiscard(logger)}
}

func (*Logging) Name() string { return "logging" }

func (m *Logging) ProcessEvent(ctx context.Context, e events.Event) (events.Event, error) {
	m.logger.DebugContext(ctx, "event", "event_type", e.Type(), "timestamp", e.Timestamp())
	return e, nil
}

func (m *Logging) ProcessInput(ctx context.Context, in map[string]any) (map[string]any, error) {
	m.logger.DebugContext(ctx, "input", "keys", len(in))
	return in, nil
}

const (
	uiVersion       = "1.0"
	defaultPlatform = "android"
)

// UIMetadata tags CUSTOM events named "ui.*" with the rendering metadata
// clients use to pick components.
type UIMetadata struct {
	Passthrough
	platform string
}

func NewUIMetadata(platform string) *UIMetadata {
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = defaultPlatform
	}
	return &UIMetadata{platform: platform}
}

func (*UIMetadata) Name() string { return "ui" }

func (m *UIMetadata) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	name, value, ok := customPayload(e)
	if !ok || !strings.HasPrefix(name, "ui.") {
		return e, nil
	}
	components, _ := value["components"].([]any)
	if components == nil {
		components = []any{}
	}
	return events.WithMeta(e, "ui", map[string]any{
		"version":    uiVersion,
		"platform":   m.platform,
		"components": components,
	}), nil
}

// Streaming accounts streamed chunks per session. Text message content is
// buffered under its message id; CUSTOM "chat.stream" events under their
// session_id. A buffer is released when its session completes, and every
// buffer is released when a run ends.
type Streaming struct {
	Passthrough
	mu      sync.Mutex
	buffers map[string][]string
}

func NewStreaming() *Streaming { return &Streaming{buffers: map[string][]string{}} }

func (*Streaming) Name() string { return "streaming" }

func (m *Streaming) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := e.(type) {
	case events.TextMessageContent:
		return m.stamp(e, ev.MessageID, ev.Delta, false), nil
	case events.TextMessageEnd:
		size := len(m.buffers[ev.MessageID])
		delete(m.buffers, ev.MessageID)
		return events.WithMeta(e, "streaming", map[string]any{"buffer_size": size, "complete": true}), nil
	case events.RunFinished, events.RunError:
		clear(m.buffers)
		return e, nil
	case events.Custom:
		if ev.Name != "chat.stream" {
			return e, nil
		}
		value, _ := ev.Value.(map[string]any)
		session, _ := value["session_id"].(string)
		if strings.TrimSpace(session) == "" {
			return e, nil
		}
		content, _ := value["content"].(string)
		complete, _ := value["complete"].(bool)
		return m.stamp(e, session, content, complete), nil
	}
	return e, nil
}

func (m *Streaming) stamp(e events.Event, session, chunk string, complete bool) events.Event {
	m.buffers[session] = append(m.buffers[session], chunk)
	size := len(m.buffers[session])
	if complete {
		delete(m.buffers, session)
	}
	return events.WithMeta(e, "streaming", map[string]any{
		"buffer_size": size,
		"complete":    complete,
	})
}

// Buffer returns the chunks collected so far for a session.
func (m *Streaming) Buffer(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.buffers[session]...)
}

// Sessions reports how many sessions still hold buffered chunks.
func (m *Streaming) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

func customPayload(e events.Event) (string, map[string]any, bool) {
	c, ok := e.(events.Custom)
	if !ok {
		return "", nil, false
	}
	value, _ := c.Value.(map[string]any)
	return c.Name, value, true
}

func mergeKey(dst, payload map[string]any, key string) {
	if payload == nil {
		return
	}
	if nested, ok := payload[key].(map[string]any); ok {
		maps.Copy(dst, nested)
	}
}
