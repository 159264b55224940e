package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yubzen/agentstream/internal/events"
)

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ev   events.Event
		want string
	}{
		{events.NewRunStartedEvent("t1", "r1"), "thread=t1 run=r1"},
		{events.NewRunErrorEvent("boom", events.WithErrorCode("cancelled")), "[cancelled] boom"},
		{events.NewToolCallStartEvent("c1", "shell"), "shell id=c1"},
		{events.NewStateSnapshotEvent(map[string]any{"a": 1, "b": 2}), "2 keys"},
		{events.NewStateDeltaEvent([]events.PatchOperation{{Op: "add", Path: "/a", Value: 1}}), "add /a"},
		{events.NewCustomEvent("state.sync", nil), "state.sync"},
	}
	for _, tc := range tests {
		if got := Summary(tc.ev); got != tc.want {
			t.Fatalf("Summary(%s) = %q, want %q", tc.ev.Type(), got, tc.want)
		}
	}
}

func TestFormatLineIncludesTypeAndSummary(t *testing.T) {
	t.Parallel()

	line := FormatLine(events.NewStepStartedEvent("plan", events.WithTimestamp(1)))
	if !strings.Contains(line, "STEP_STARTED") || !strings.HasSuffix(line, "plan") {
		t.Fatalf("unexpected line %q", line)
	}
	if FormatLine(nil) != "" {
		t.Fatal("expected empty line for nil event")
	}
}

func TestClipCollapsesWhitespaceAndTruncates(t *testing.T) {
	t.Parallel()

	if got := clip("a\n  b"); got != "a b" {
		t.Fatalf("unexpected clip %q", got)
	}
	long := clip(strings.Repeat("x", maxSummaryRunes+10))
	if len([]rune(long)) != maxSummaryRunes {
		t.Fatalf("expected %d runes, got %d", maxSummaryRunes, len([]rune(long)))
	}
}

func TestModelRecordsEventsAndWaitsForMore(t *testing.T) {
	t.Parallel()

	ch := make(chan events.Event, 1)
	m := NewModel("sse", ch)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})

	_, cmd := m.Update(EventMsg{Event: events.NewRunStartedEvent("t", "r")})
	if cmd == nil {
		t.Fatal("expected a command waiting for the next event")
	}
	m.Update(EventMsg{Event: events.NewRunErrorEvent("failed")})

	if m.bar.total != 2 || !m.bar.runErr {
		t.Fatalf("unexpected status %+v", m.bar)
	}
	if !strings.Contains(m.View(), "RUN_ERROR") {
		t.Fatalf("expected view to include the error event, got %q", m.View())
	}

	close(ch)
	msg := waitForEvent(ch)()
	if _, ok := msg.(StreamClosedMsg); !ok {
		t.Fatalf("expected StreamClosedMsg, got %T", msg)
	}
	m.Update(msg)
	if m.bar.live {
		t.Fatal("expected stream to be marked closed")
	}
}

func TestModelFilterHidesOtherEvents(t *testing.T) {
	t.Parallel()

	m := NewModel("ws", nil)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})
	m.Update(EventMsg{Event: events.NewStepStartedEvent("plan")})
	m.Update(EventMsg{Event: events.NewToolCallStartEvent("c1", "shell")})

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	if !m.filtering {
		t.Fatal("expected filter mode")
	}
	for _, r := range "shell" {
		m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	if m.bar.filter != "shell" || m.bar.shown != 1 || m.bar.total != 2 {
		t.Fatalf("unexpected status %+v", m.bar)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if len(m.received) != 0 || m.bar.total != 0 {
		t.Fatalf("expected cleared buffer, got %d events", len(m.received))
	}
}

func TestModelQuitKey(t *testing.T) {
	t.Parallel()

	m := NewModel("ws", nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
