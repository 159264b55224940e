package events

import "fmt"

// ValidateSequence checks the framing of a single run's event stream: it
// opens with RUN_STARTED, ends with exactly one terminal event, and every
// text message and tool call that is started is also ended.
func ValidateSequence(seq []Event) error {
	if len(seq) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrValidation)
	}
	if seq[0].Type() != EventTypeRunStarted {
		return fmt.Errorf("%w: sequence starts with %s", ErrValidation, seq[0].Type())
	}

	openMessages := map[string]bool{}
	openCalls := map[string]bool{}
	for i, e := range seq {
		if IsTerminal(e) && i != len(seq)-1 {
			return fmt.Errorf("%w: %s at position %d is followed by more events", ErrValidation, e.Type(), i)
		}
		switch ev := e.(type) {
		case TextMessageStart:
			if openMessages[ev.MessageID] {
				return fmt.Errorf("%w: message %s started twice", ErrValidation, ev.MessageID)
			}
			openMessages[ev.MessageID] = true
		case TextMessageContent:
			if !openMessages[ev.MessageID] {
				return fmt.Errorf("%w: content for message %s outside start/end", ErrValidation, ev.MessageID)
			}
		case TextMessageEnd:
			if !openMessages[ev.MessageID] {
				return fmt.Errorf("%w: message %s ended without start", ErrValidation, ev.MessageID)
			}
			delete(openMessages, ev.MessageID)
		case ToolCallStart:
			if openCalls[ev.ToolCallID] {
				return fmt.Errorf("%w: tool call %s started twice", ErrValidation, ev.ToolCallID)
			}
			openCalls[ev.ToolCallID] = true
		case ToolCallArgs:
			if !openCalls[ev.ToolCallID] {
				return fmt.Errorf("%w: args for tool call %s outside start/end", ErrValidation, ev.ToolCallID)
			}
		case ToolCallEnd:
			if !openCalls[ev.ToolCallID] {
				return fmt.Errorf("%w: tool call %s ended without start", ErrValidation, ev.ToolCallID)
			}
			delete(openCalls, ev.ToolCallID)
		}
	}

	last := seq[len(seq)-1]
	if !IsTerminal(last) {
		return fmt.Errorf("%w: sequence does not end with a terminal event", ErrValidation)
	}
	if last.Type() == EventTypeRunFinished {
		if len(openMessages) > 0 || len(openCalls) > 0 {
			return fmt.Errorf("%w: run finished with %d open messages and %d open tool calls", ErrValidation, len(openMessages), len(openCalls))
		}
	}
	return nil
}
