package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// hangingIndent wraps content to width and indents continuation lines by
// the width of prefix.
func hangingIndent(prefix, content string, width int) string {
	prefixWidth := lipgloss.Width(prefix)
	if width <= 0 || prefixWidth >= width {
		return prefix + content
	}

	wrapped := lipgloss.NewStyle().Width(width - prefixWidth).Render(content)
	lines := strings.Split(wrapped, "\n")
	indent := strings.Repeat(" ", prefixWidth)
	for i, line := range lines {
		line = strings.TrimRight(line, " ")
		if i == 0 {
			lines[i] = prefix + line
			continue
		}
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
