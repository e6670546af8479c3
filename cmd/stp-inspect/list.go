package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// padRight and truncate are adapted from tui/format.go's lipgloss-aware
// column helpers.
func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return s[:maxLen]
	}
	return s[:maxLen-1] + "…"
}

func (m model) renderServiceList(width, height int) string {
	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(width).
		Height(height)

	var rows []string
	rows = append(rows, lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf(" services (%d) ", len(m.services))))

	innerWidth := max(width-4, 10)
	for i, svc := range m.services {
		marker := "  "
		if i == m.cursor {
			marker = "▶ "
		}
		state := " "
		if m.enabled[svc] {
			state = "●"
		}
		label := truncate(svc, innerWidth-4)
		row := marker + state + " " + padRight(label, innerWidth-4)
		if i == m.cursor {
			row = lipgloss.NewStyle().Bold(true).Render(row)
		}
		rows = append(rows, row)
	}
	if len(m.services) == 0 {
		rows = append(rows, "  (waiting for host)")
	}

	return border.Render(strings.Join(rows, "\n"))
}

func (m model) renderLog(width, height int) string {
	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(width).
		Height(height)

	innerWidth := max(width-4, 10)
	maxRows := max(height-2, 1)

	start := max(len(m.log)-maxRows, 0)
	var rows []string
	rows = append(rows, lipgloss.NewStyle().Bold(true).Render(" messages "))
	for _, line := range m.log[start:] {
		prefix := "[" + line.service + "] "
		for _, l := range strings.Split(line.text, "\n") {
			rows = append(rows, truncate(prefix+l, innerWidth))
			prefix = strings.Repeat(" ", lipgloss.Width(prefix))
		}
	}

	return border.Render(strings.Join(rows, "\n"))
}
