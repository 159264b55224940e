package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

func tagged(t EventType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(string(t))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Marshal validates e and returns its wire encoding.
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, &ValidationError{Field: "type", Reason: "missing discriminant"}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.MarshalJSON()
}

// EncodeSSE returns the server-push framing for e: "data: <json>\n\n".
func EncodeSSE(e Event) ([]byte, error) {
	payload, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

type decodeFunc func([]byte) (Event, error)

func decodeAs[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

var decoders = map[EventType]decodeFunc{
	EventTypeRunStarted:         decodeAs[RunStarted],
	EventTypeRunFinished:        decodeAs[RunFinished],
	EventTypeRunError:           decodeAs[RunError],
	EventTypeStepStarted:        decodeAs[StepStarted],
	EventTypeStepFinished:       decodeAs[StepFinished],
	EventTypeTextMessageStart:   decodeAs[TextMessageStart],
	EventTypeTextMessageContent: decodeAs[TextMessageContent],
	EventTypeTextMessageEnd:     decodeAs[TextMessageEnd],
	EventTypeToolCallStart:      decodeAs[ToolCallStart],
	EventTypeToolCallArgs:       decodeAs[ToolCallArgs],
	EventTypeToolCallEnd:        decodeAs[ToolCallEnd],
	EventTypeToolCallResult:     decodeAs[ToolCallResult],
	EventTypeStateSnapshot:      decodeAs[StateSnapshot],
	EventTypeStateDelta:         decodeAs[StateDelta],
	EventTypeMessagesSnapshot:   decodeAs[MessagesSnapshot],
	EventTypeRaw:                decodeAs[Raw],
	EventTypeCustom:             decodeAs[Custom],
}

// Known reports whether t is one of the closed set of event types.
func Known(t EventType) bool {
	_, ok := decoders[t]
	return ok
}

// Decode maps a wire object to its variant. Objects with an unrecognised
// type decode to Raw so newer producers do not break older consumers.
func Decode(data []byte) (Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if obj == nil {
		return nil, &ValidationError{Field: "event", Reason: "must be a JSON object"}
	}
	typ, _ := obj["type"].(string)
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, &ValidationError{Field: "type", Reason: "missing discriminant"}
	}

	decode, ok := decoders[EventType(typ)]
	if !ok {
		ts, _ := obj["timestamp"].(float64)
		return NewRawEvent(obj, WithTimestamp(int64(ts)), WithSource("unknown:"+typ)), nil
	}
	e, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", typ, err)
	}
	if e.Timestamp() <= 0 {
		h := e.head()
		h.Time = now()
		e = e.withHeader(h)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
