package events

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeRunStarted         EventType = "RUN_STARTED"
	EventTypeRunFinished        EventType = "RUN_FINISHED"
	EventTypeRunError           EventType = "RUN_ERROR"
	EventTypeStepStarted        EventType = "STEP_STARTED"
	EventTypeStepFinished       EventType = "STEP_FINISHED"
	EventTypeTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTypeTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTypeTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventTypeToolCallStart      EventType = "TOOL_CALL_START"
	EventTypeToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventTypeToolCallEnd        EventType = "TOOL_CALL_END"
	EventTypeToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventTypeStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventTypeStateDelta         EventType = "STATE_DELTA"
	EventTypeMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventTypeRaw                EventType = "RAW"
	EventTypeCustom             EventType = "CUSTOM"
)

var (
	ErrValidation  = errors.New("event validation failed")
	ErrUnknownType = errors.New("unknown event type")
)

// Event is one protocol event. The set of implementations is closed: every
// variant lives in this package and must provide its own wire encoding.
type Event interface {
	Type() EventType
	Timestamp() int64
	Metadata() map[string]any
	Validate() error
	MarshalJSON() ([]byte, error)

	head() header
	withHeader(header) Event
}

type header struct {
	Time int64          `json:"timestamp"`
	Meta map[string]any `json:"metadata,omitempty"`
}

func (h header) head() header { return h }

func (h header) Timestamp() int64 { return h.Time }

func (h header) Metadata() map[string]any { return maps.Clone(h.Meta) }

// ValidationError reports a malformed event. It unwraps to ErrValidation.
type ValidationError struct {
	Type   EventType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: %s %s", e.Type, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type field struct {
	name  string
	value string
}

func requireFields(t EventType, fields ...field) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Type: t, Field: f.name, Reason: "must not be empty"}
		}
	}
	return nil
}

// WithMeta returns a copy of e with metadata[key] set to value. The original
// event is left untouched.
func WithMeta(e Event, key string, value any) Event {
	h := e.head()
	meta := make(map[string]any, len(h.Meta)+1)
	maps.Copy(meta, h.Meta)
	meta[key] = value
	h.Meta = meta
	return e.withHeader(h)
}

// IsTerminal reports whether e ends a run.
func IsTerminal(e Event) bool {
	if e == nil {
		return false
	}
	switch e.Type() {
	case EventTypeRunFinished, EventTypeRunError:
		return true
	default:
		return false
	}
}

var now = func() int64 { return time.Now().Unix() }

type options struct {
	timestamp       int64
	parentMessageID string
	code            string
	result          any
	source          string
	role            string
}

// Option customises optional fields at construction time. Options that do
// not apply to a variant are ignored.
type Option func(*options)

func WithTimestamp(ts int64) Option {
	return func(o *options) { o.timestamp = ts }
}

func WithParentMessageID(id string) Option {
	return func(o *options) { o.parentMessageID = strings.TrimSpace(id) }
}

func WithErrorCode(code string) Option {
	return func(o *options) { o.code = strings.TrimSpace(code) }
}

func WithResult(result any) Option {
	return func(o *options) { o.result = result }
}

func WithSource(source string) Option {
	return func(o *options) { o.source = strings.TrimSpace(source) }
}

func WithRole(role string) Option {
	return func(o *options) { o.role = strings.TrimSpace(role) }
}

func collect(opts []Option) (options, header) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ts := o.timestamp
	if ts <= 0 {
		ts = now()
	}
	return o, header{Time: ts}
}
