package cli

import "github.com/charmbracelet/lipgloss"

var (
	colorPass  = lipgloss.Color("76")
	colorWarn  = lipgloss.Color("214")
	colorFail  = lipgloss.Color("196")
	colorMuted = lipgloss.Color("242")

	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	statusStyles = map[string]lipgloss.Style{
		"pass": lipgloss.NewStyle().Foreground(colorPass).Bold(true),
		"warn": lipgloss.NewStyle().Foreground(colorWarn).Bold(true),
		"fail": lipgloss.NewStyle().Foreground(colorFail).Bold(true),
	}
)

func statusBadge(status string) string {
	label := "[" + status + "]"
	if style, ok := statusStyles[status]; ok {
		return style.Render(label)
	}
	return label
}
