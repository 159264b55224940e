package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	sbBaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("235")).Padding(0, 1)
	sbSourceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	sbLiveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	sbDoneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	sbErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	sbHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type statusBar struct {
	source string
	live   bool
	runErr bool
	total  int
	shown  int
	filter string
	follow bool
	width  int
}

func (s statusBar) View() string {
	state := sbLiveStyle.Render("LIVE")
	switch {
	case s.runErr:
		state = sbErrStyle.Render("ERROR")
	case !s.live:
		state = sbDoneStyle.Render("CLOSED")
	}

	counts := fmt.Sprintf("%d events", s.total)
	if s.filter != "" {
		counts = fmt.Sprintf("%d/%d events [%s]", s.shown, s.total, s.filter)
	}
	follow := "follow"
	if !s.follow {
		follow = "paused"
	}

	line := fmt.Sprintf("%s | %s | %s | %s  %s",
		state,
		sbSourceStyle.Render(s.source),
		counts,
		follow,
		sbHintStyle.Render("/ filter  f follow  c clear  q quit"),
	)
	return sbBaseStyle.Width(s.width).Render(line)
}
