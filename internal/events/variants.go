package events

import (
	"encoding/json"
	"strings"
)

type RunStarted struct {
	header
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

func NewRunStartedEvent(threadID, runID string, opts ...Option) RunStarted {
	_, h := collect(opts)
	return RunStarted{header: h, ThreadID: threadID, RunID: runID}
}

func (RunStarted) Type() EventType { return EventTypeRunStarted }

func (e RunStarted) Validate() error {
	return requireFields(e.Type(), field{"thread_id", e.ThreadID}, field{"run_id", e.RunID})
}

func (e RunStarted) withHeader(h header) Event { e.header = h; return e }

func (e RunStarted) MarshalJSON() ([]byte, error) {
	type wire RunStarted
	return tagged(e.Type(), wire(e))
}

type RunFinished struct {
	header
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Result   any    `json:"result,omitempty"`
}

func NewRunFinishedEvent(threadID, runID string, opts ...Option) RunFinished {
	o, h := collect(opts)
	return RunFinished{header: h, ThreadID: threadID, RunID: runID, Result: o.result}
}

func (RunFinished) Type() EventType { return EventTypeRunFinished }

func (e RunFinished) Validate() error {
	return requireFields(e.Type(), field{"thread_id", e.ThreadID}, field{"run_id", e.RunID})
}

func (e RunFinished) withHeader(h header) Event { e.header = h; return e }

func (e RunFinished) MarshalJSON() ([]byte, error) {
	type wire RunFinished
	return tagged(e.Type(), wire(e))
}

type RunError struct {
	header
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewRunErrorEvent(message string, opts ...Option) RunError {
	o, h := collect(opts)
	return RunError{header: h, Message: message, Code: o.code}
}

func (RunError) Type() EventType { return EventTypeRunError }

func (e RunError) Validate() error {
	return requireFields(e.Type(), field{"message", e.Message})
}

func (e RunError) withHeader(h header) Event { e.header = h; return e }

func (e RunError) MarshalJSON() ([]byte, error) {
	type wire RunError
	return tagged(e.Type(), wire(e))
}

type StepStarted struct {
	header
	StepName string `json:"step_name"`
}

func NewStepStartedEvent(stepName string, opts ...Option) StepStarted {
	_, h := collect(opts)
	return StepStarted{header: h, StepName: stepName}
}

func (StepStarted) Type() EventType { return EventTypeStepStarted }

func (e StepStarted) Validate() error {
	return requireFields(e.Type(), field{"step_name", e.StepName})
}

func (e StepStarted) withHeader(h header) Event { e.header = h; return e }

func (e StepStarted) MarshalJSON() ([]byte, error) {
	type wire StepStarted
	return tagged(e.Type(), wire(e))
}

type StepFinished struct {
	header
	StepName string `json:"step_name"`
}

func NewStepFinishedEvent(stepName string, opts ...Option) StepFinished {
	_, h := collect(opts)
	return StepFinished{header: h, StepName: stepName}
}

func (StepFinished) Type() EventType { return EventTypeStepFinished }

func (e StepFinished) Validate() error {
	return requireFields(e.Type(), field{"step_name", e.StepName})
}

func (e StepFinished) withHeader(h header) Event { e.header = h; return e }

func (e StepFinished) MarshalJSON() ([]byte, error) {
	type wire StepFinished
	return tagged(e.Type(), wire(e))
}

const RoleAssistant = "assistant"

type TextMessageStart struct {
	header
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
}

func NewTextMessageStartEvent(messageID string, opts ...Option) TextMessageStart {
	o, h := collect(opts)
	role := o.role
	if role == "" {
		role = RoleAssistant
	}
	return TextMessageStart{header: h, MessageID: messageID, Role: role}
}

func (TextMessageStart) Type() EventType { return EventTypeTextMessageStart }

func (e TextMessageStart) Validate() error {
	return requireFields(e.Type(), field{"message_id", e.MessageID}, field{"role", e.Role})
}

func (e TextMessageStart) withHeader(h header) Event { e.header = h; return e }

func (e TextMessageStart) MarshalJSON() ([]byte, error) {
	type wire TextMessageStart
	return tagged(e.Type(), wire(e))
}

type TextMessageContent struct {
	header
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// NewTextMessageContentEvent fails with a *ValidationError when delta is empty.
func NewTextMessageContentEvent(messageID, delta string, opts ...Option) (TextMessageContent, error) {
	_, h := collect(opts)
	e := TextMessageContent{header: h, MessageID: messageID, Delta: delta}
	if err := e.Validate(); err != nil {
		return TextMessageContent{}, err
	}
	return e, nil
}

func (TextMessageContent) Type() EventType { return EventTypeTextMessageContent }

func (e TextMessageContent) Validate() error {
	if err := requireFields(e.Type(), field{"message_id", e.MessageID}); err != nil {
		return err
	}
	if e.Delta == "" {
		return &ValidationError{Type: e.Type(), Field: "delta", Reason: "must not be empty"}
	}
	return nil
}

func (e TextMessageContent) withHeader(h header) Event { e.header = h; return e }

func (e TextMessageContent) MarshalJSON() ([]byte, error) {
	type wire TextMessageContent
	return tagged(e.Type(), wire(e))
}

type TextMessageEnd struct {
	header
	MessageID string `json:"message_id"`
}

func NewTextMessageEndEvent(messageID string, opts ...Option) TextMessageEnd {
	_, h := collect(opts)
	return TextMessageEnd{header: h, MessageID: messageID}
}

func (TextMessageEnd) Type() EventType { return EventTypeTextMessageEnd }

func (e TextMessageEnd) Validate() error {
	return requireFields(e.Type(), field{"message_id", e.MessageID})
}

func (e TextMessageEnd) withHeader(h header) Event { e.header = h; return e }

func (e TextMessageEnd) MarshalJSON() ([]byte, error) {
	type wire TextMessageEnd
	return tagged(e.Type(), wire(e))
}

type ToolCallStart struct {
	header
	ToolCallID      string `json:"tool_call_id"`
	ToolCallName    string `json:"tool_call_name"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

func NewToolCallStartEvent(toolCallID, toolCallName string, opts ...Option) ToolCallStart {
	o, h := collect(opts)
	return ToolCallStart{header: h, ToolCallID: toolCallID, ToolCallName: toolCallName, ParentMessageID: o.parentMessageID}
}

func (ToolCallStart) Type() EventType { return EventTypeToolCallStart }

func (e ToolCallStart) Validate() error {
	return requireFields(e.Type(), field{"tool_call_id", e.ToolCallID}, field{"tool_call_name", e.ToolCallName})
}

func (e ToolCallStart) withHeader(h header) Event { e.header = h; return e }

func (e ToolCallStart) MarshalJSON() ([]byte, error) {
	type wire ToolCallStart
	return tagged(e.Type(), wire(e))
}

type ToolCallArgs struct {
	header
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
}

// NewToolCallArgsEvent fails with a *ValidationError when delta is empty.
func NewToolCallArgsEvent(toolCallID, delta string, opts ...Option) (ToolCallArgs, error) {
	_, h := collect(opts)
	e := ToolCallArgs{header: h, ToolCallID: toolCallID, Delta: delta}
	if err := e.Validate(); err != nil {
		return ToolCallArgs{}, err
	}
	return e, nil
}

func (ToolCallArgs) Type() EventType { return EventTypeToolCallArgs }

func (e ToolCallArgs) Validate() error {
	if err := requireFields(e.Type(), field{"tool_call_id", e.ToolCallID}); err != nil {
		return err
	}
	if e.Delta == "" {
		return &ValidationError{Type: e.Type(), Field: "delta", Reason: "must not be empty"}
	}
	return nil
}

func (e ToolCallArgs) withHeader(h header) Event { e.header = h; return e }

func (e ToolCallArgs) MarshalJSON() ([]byte, error) {
	type wire ToolCallArgs
	return tagged(e.Type(), wire(e))
}

type ToolCallEnd struct {
	header
	ToolCallID string `json:"tool_call_id"`
}

func NewToolCallEndEvent(toolCallID string, opts ...Option) ToolCallEnd {
	_, h := collect(opts)
	return ToolCallEnd{header: h, ToolCallID: toolCallID}
}

func (ToolCallEnd) Type() EventType { return EventTypeToolCallEnd }

func (e ToolCallEnd) Validate() error {
	return requireFields(e.Type(), field{"tool_call_id", e.ToolCallID})
}

func (e ToolCallEnd) withHeader(h header) Event { e.header = h; return e }

func (e ToolCallEnd) MarshalJSON() ([]byte, error) {
	type wire ToolCallEnd
	return tagged(e.Type(), wire(e))
}

type ToolCallResult struct {
	header
	MessageID  string `json:"message_id"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Role       string `json:"role,omitempty"`
}

func NewToolCallResultEvent(messageID, toolCallID, content string, opts ...Option) ToolCallResult {
	o, h := collect(opts)
	return ToolCallResult{header: h, MessageID: messageID, ToolCallID: toolCallID, Content: content, Role: o.role}
}

func (ToolCallResult) Type() EventType { return EventTypeToolCallResult }

func (e ToolCallResult) Validate() error {
	return requireFields(e.Type(), field{"message_id", e.MessageID}, field{"tool_call_id", e.ToolCallID})
}

func (e ToolCallResult) withHeader(h header) Event { e.header = h; return e }

func (e ToolCallResult) MarshalJSON() ([]byte, error) {
	type wire ToolCallResult
	return tagged(e.Type(), wire(e))
}

type StateSnapshot struct {
	header
	Snapshot any `json:"snapshot"`
}

func NewStateSnapshotEvent(snapshot any, opts ...Option) StateSnapshot {
	_, h := collect(opts)
	return StateSnapshot{header: h, Snapshot: snapshot}
}

func (StateSnapshot) Type() EventType { return EventTypeStateSnapshot }

func (e StateSnapshot) Validate() error {
	if e.Snapshot == nil {
		return &ValidationError{Type: e.Type(), Field: "snapshot", Reason: "must be present"}
	}
	return nil
}

func (e StateSnapshot) withHeader(h header) Event { e.header = h; return e }

func (e StateSnapshot) MarshalJSON() ([]byte, error) {
	type wire StateSnapshot
	return tagged(e.Type(), wire(e))
}

// PatchOperation is one RFC 6902 operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// MarshalJSON writes value for add, replace and test even when it is nil so
// an explicit null survives re-encoding.
func (p PatchOperation) MarshalJSON() ([]byte, error) {
	type wire struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value *any   `json:"value,omitempty"`
		From  string `json:"from,omitempty"`
	}
	w := wire{Op: p.Op, Path: p.Path, From: p.From}
	switch p.Op {
	case "add", "replace", "test":
		w.Value = &p.Value
	default:
		if p.Value != nil {
			w.Value = &p.Value
		}
	}
	return json.Marshal(w)
}

var patchOps = map[string]bool{
	"add": true, "remove": true, "replace": true, "move": true, "copy": true, "test": true,
}

type StateDelta struct {
	header
	Delta []PatchOperation `json:"delta"`
}

func NewStateDeltaEvent(delta []PatchOperation, opts ...Option) StateDelta {
	_, h := collect(opts)
	if delta == nil {
		delta = []PatchOperation{}
	}
	return StateDelta{header: h, Delta: delta}
}

func (StateDelta) Type() EventType { return EventTypeStateDelta }

func (e StateDelta) Validate() error {
	if e.Delta == nil {
		return &ValidationError{Type: e.Type(), Field: "delta", Reason: "must be present"}
	}
	for _, op := range e.Delta {
		if !patchOps[op.Op] {
			return &ValidationError{Type: e.Type(), Field: "delta", Reason: "has unsupported op " + `"` + op.Op + `"`}
		}
		if op.Path != "" && !strings.HasPrefix(op.Path, "/") {
			return &ValidationError{Type: e.Type(), Field: "delta", Reason: "has malformed path " + `"` + op.Path + `"`}
		}
	}
	return nil
}

func (e StateDelta) withHeader(h header) Event { e.header = h; return e }

func (e StateDelta) MarshalJSON() ([]byte, error) {
	type wire StateDelta
	return tagged(e.Type(), wire(e))
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type MessagesSnapshot struct {
	header
	Messages []Message `json:"messages"`
}

func NewMessagesSnapshotEvent(messages []Message, opts ...Option) MessagesSnapshot {
	_, h := collect(opts)
	if messages == nil {
		messages = []Message{}
	}
	return MessagesSnapshot{header: h, Messages: messages}
}

func (MessagesSnapshot) Type() EventType { return EventTypeMessagesSnapshot }

func (e MessagesSnapshot) Validate() error {
	if e.Messages == nil {
		return &ValidationError{Type: e.Type(), Field: "messages", Reason: "must be present"}
	}
	return nil
}

func (e MessagesSnapshot) withHeader(h header) Event { e.header = h; return e }

func (e MessagesSnapshot) MarshalJSON() ([]byte, error) {
	type wire MessagesSnapshot
	return tagged(e.Type(), wire(e))
}

// Raw carries an event from a foreign source, or one whose type this
// package does not know.
type Raw struct {
	header
	Event  any    `json:"event"`
	Source string `json:"source,omitempty"`
}

func NewRawEvent(event any, opts ...Option) Raw {
	o, h := collect(opts)
	return Raw{header: h, Event: event, Source: o.source}
}

func (Raw) Type() EventType { return EventTypeRaw }

func (e Raw) Validate() error {
	if e.Event == nil {
		return &ValidationError{Type: e.Type(), Field: "event", Reason: "must be present"}
	}
	return nil
}

func (e Raw) withHeader(h header) Event { e.header = h; return e }

func (e Raw) MarshalJSON() ([]byte, error) {
	type wire Raw
	return tagged(e.Type(), wire(e))
}

type Custom struct {
	header
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

func NewCustomEvent(name string, value any, opts ...Option) Custom {
	_, h := collect(opts)
	return Custom{header: h, Name: name, Value: value}
}

func (Custom) Type() EventType { return EventTypeCustom }

func (e Custom) Validate() error {
	return requireFields(e.Type(), field{"name", e.Name})
}

func (e Custom) withHeader(h header) Event { e.header = h; return e }

func (e Custom) MarshalJSON() ([]byte, error) {
	type wire Custom
	return tagged(e.Type(), wire(e))
}
