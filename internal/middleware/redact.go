package middleware

import (
	"context"
	"regexp"

	"github.com/yubzen/agentstream/internal/events"
)

var (
	envLine  = regexp.MustCompile(`(?m)^([A-Z_][A-Z0-9_]*)=\S+$`)
	jwtToken = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)
	skKey    = regexp.MustCompile(`sk-[a-zA-Z0-9\-]{20,}`)
	aizaKey  = regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)
	ghpToken = regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`)
	bearer   = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`)
)

// Scrub replaces secrets that commonly leak through script output.
func Scrub(input string) string {
	input = envLine.ReplaceAllString(input, "${1}=[REDACTED]")
	input = skKey.ReplaceAllString(input, "[REDACTED_KEY]")
	input = jwtToken.ReplaceAllString(input, "[REDACTED_JWT]")
	input = aizaKey.ReplaceAllString(input, "[REDACTED_KEY]")
	input = ghpToken.ReplaceAllString(input, "[REDACTED_KEY]")
	input = bearer.ReplaceAllString(input, "${1}[REDACTED]")
	return input
}

// Redaction scrubs free text leaving the process: message deltas, tool
// arguments and results, error messages, and string values of inputs.
type Redaction struct{}

func NewRedaction() *Redaction { return &Redaction{} }

func (*Redaction) Name() string { return "redaction" }

func (*Redaction) ProcessEvent(_ context.Context, e events.Event) (events.Event, error) {
	switch ev := e.(type) {
	case events.TextMessageContent:
		ev.Delta = Scrub(ev.Delta)
		return ev, nil
	case events.ToolCallArgs:
		ev.Delta = Scrub(ev.Delta)
		return ev, nil
	case events.ToolCallResult:
		ev.Content = Scrub(ev.Content)
		return ev, nil
	case events.RunError:
		ev.Message = Scrub(ev.Message)
		return ev, nil
	}
	return e, nil
}

func (*Redaction) ProcessInput(_ context.Context, in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	out, _ := scrubValue(in).(map[string]any)
	return out, nil
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return Scrub(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = scrubValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = scrubValue(inner)
		}
		return out
	default:
		return v
	}
}
