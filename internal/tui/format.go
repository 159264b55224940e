package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/yubzen/agentstream/internal/events"
)

const maxSummaryRunes = 160

// Summary renders the interesting fields of ev on one line.
func Summary(ev events.Event) string {
	switch e := ev.(type) {
	case events.RunStarted:
		return fmt.Sprintf("thread=%s run=%s", e.ThreadID, e.RunID)
	case events.RunFinished:
		return fmt.Sprintf("thread=%s run=%s", e.ThreadID, e.RunID)
	case events.RunError:
		if e.Code != "" {
			return fmt.Sprintf("[%s] %s", e.Code, e.Message)
		}
		return e.Message
	case events.StepStarted:
		return e.StepName
	case events.StepFinished:
		return e.StepName
	case events.TextMessageStart:
		return fmt.Sprintf("%s (%s)", e.MessageID, e.Role)
	case events.TextMessageContent:
		return clip(e.Delta)
	case events.TextMessageEnd:
		return e.MessageID
	case events.ToolCallStart:
		return fmt.Sprintf("%s id=%s", e.ToolCallName, e.ToolCallID)
	case events.ToolCallArgs:
		return clip(e.Delta)
	case events.ToolCallEnd:
		return e.ToolCallID
	case events.ToolCallResult:
		return fmt.Sprintf("%s: %s", e.ToolCallID, clip(e.Content))
	case events.StateSnapshot:
		if m, ok := e.Snapshot.(map[string]any); ok {
			return fmt.Sprintf("%d keys", len(m))
		}
		return "snapshot"
	case events.StateDelta:
		ops := make([]string, 0, len(e.Delta))
		for _, op := range e.Delta {
			ops = append(ops, op.Op+" "+op.Path)
		}
		return clip(strings.Join(ops, ", "))
	case events.MessagesSnapshot:
		return fmt.Sprintf("%d messages", len(e.Messages))
	case events.Raw:
		return e.Source
	case events.Custom:
		return e.Name
	}
	if ev == nil {
		return ""
	}
	return string(ev.Type())
}

// FormatLine is the plain, uncoloured rendering used by --plain output.
func FormatLine(ev events.Event) string {
	if ev == nil {
		return ""
	}
	return fmt.Sprintf("%s %-22s %s", clock(ev.Timestamp()), ev.Type(), Summary(ev))
}

func clock(ts int64) string {
	if ts <= 0 {
		return "--:--:--"
	}
	return time.Unix(ts, 0).Format("15:04:05")
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxSummaryRunes {
		return s
	}
	return string(r[:maxSummaryRunes-1]) + "…"
}
