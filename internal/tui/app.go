// Package tui renders a live protocol event stream in the terminal.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yubzen/agentstream/internal/events"
)

const maxLines = 2000

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	otherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	filterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
)

// EventMsg carries one event from the stream into the program.
type EventMsg struct {
	Event events.Event
}

// StreamClosedMsg is sent once the stream ends.
type StreamClosedMsg struct{}

type Model struct {
	stream   <-chan events.Event
	viewport viewport.Model
	filter   textinput.Model

	received  []events.Event
	filtering bool
	bar       statusBar
	width     int
	height    int
	ready     bool
}

func NewModel(source string, stream <-chan events.Event) *Model {
	ti := textinput.New()
	ti.Prompt = "/"
	ti.CharLimit = 64

	return &Model{
		stream:   stream,
		viewport: viewport.New(0, 0),
		filter:   ti,
		bar:      statusBar{source: source, live: true, follow: true},
	}
}

func (m *Model) Init() tea.Cmd {
	return waitForEvent(m.stream)
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-2, 1)
		m.filter.Width = max(msg.Width-2, 1)
		m.ready = true
		m.render()
		return m, nil

	case EventMsg:
		m.record(msg.Event)
		return m, waitForEvent(m.stream)

	case StreamClosedMsg:
		m.bar.live = false
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "/":
			m.filtering = true
			return m, m.filter.Focus()
		case "f":
			m.bar.follow = !m.bar.follow
			if m.bar.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		case "c":
			m.received = nil
			m.bar.total = 0
			m.bar.runErr = false
			m.render()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.filter.SetValue("")
		fallthrough
	case "enter":
		m.filtering = false
		m.filter.Blur()
		m.bar.filter = strings.TrimSpace(m.filter.Value())
		m.render()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return m, cmd
}

func (m *Model) record(ev events.Event) {
	if ev == nil {
		return
	}
	m.received = append(m.received, ev)
	if len(m.received) > maxLines {
		m.received = m.received[len(m.received)-maxLines:]
	}
	m.bar.total++
	switch ev.Type() {
	case events.EventTypeRunError:
		m.bar.runErr = true
	case events.EventTypeRunStarted:
		m.bar.runErr = false
	}
	m.render()
}

func (m *Model) matches(ev events.Event) bool {
	if m.bar.filter == "" {
		return true
	}
	needle := strings.ToLower(m.bar.filter)
	return strings.Contains(strings.ToLower(string(ev.Type())), needle) ||
		strings.Contains(strings.ToLower(Summary(ev)), needle)
}

func (m *Model) render() {
	lines := make([]string, 0, len(m.received))
	for _, ev := range m.received {
		if !m.matches(ev) {
			continue
		}
		lines = append(lines, m.renderEvent(ev))
	}
	m.bar.shown = len(lines)
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.bar.follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderEvent(ev events.Event) string {
	prefix := timeStyle.Render(clock(ev.Timestamp())) + " " +
		styleFor(ev.Type()).Render(padRight(string(ev.Type()), 22)) + " "
	return hangingIndent(prefix, Summary(ev), m.width)
}

func styleFor(t events.EventType) lipgloss.Style {
	switch t {
	case events.EventTypeRunStarted, events.EventTypeRunFinished:
		return runStyle
	case events.EventTypeRunError:
		return errorStyle
	case events.EventTypeToolCallStart, events.EventTypeToolCallArgs,
		events.EventTypeToolCallEnd, events.EventTypeToolCallResult:
		return toolStyle
	case events.EventTypeTextMessageStart, events.EventTypeTextMessageContent,
		events.EventTypeTextMessageEnd:
		return textStyle
	case events.EventTypeStateSnapshot, events.EventTypeStateDelta,
		events.EventTypeMessagesSnapshot:
		return stateStyle
	}
	return otherStyle
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func (m *Model) View() string {
	if !m.ready {
		return "connecting to " + m.bar.source + "...\n"
	}
	footer := m.bar.View()
	if m.filtering {
		footer = filterStyle.Render(m.filter.View())
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.viewport.View(), footer)
}

// Run shows stream full-screen until the user quits or ctx ends.
func Run(ctx context.Context, source string, stream <-chan events.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p := tea.NewProgram(NewModel(source, stream), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
