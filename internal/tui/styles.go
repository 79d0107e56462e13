package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	colorAccent  = lipgloss.AdaptiveColor{Light: "#5A4FCF", Dark: "#7D74FF"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#9A9A9A", Dark: "#626262"}
	colorOK      = lipgloss.AdaptiveColor{Light: "#1E8E3E", Dark: "#4CD07D"}
	colorBusy    = lipgloss.AdaptiveColor{Light: "#B08800", Dark: "#F2C94C"}
	colorBad     = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FF6B6B"}
	colorSkipped = lipgloss.AdaptiveColor{Light: "#C25E00", Dark: "#FF9F43"}
)

var (
	stylePane = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted)
	stylePaneFocused = stylePane.BorderForeground(colorAccent)

	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	styleHelp     = lipgloss.NewStyle().Foreground(colorMuted)
	styleHelpKey  = lipgloss.NewStyle().Foreground(colorAccent)
	styleSelected = lipgloss.NewStyle().Reverse(true)

	styleOK      = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	styleBusy    = lipgloss.NewStyle().Foreground(colorBusy).Bold(true)
	styleBad     = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	styleSkipped = lipgloss.NewStyle().Foreground(colorSkipped)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

// paneStyle returns the bordered frame for a pane.
func paneStyle(focused bool) lipgloss.Style {
	if focused {
		return stylePaneFocused
	}
	return stylePane
}

// StatusIcon returns a styled indicator for a task or run status name.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return styleBusy.Render("●")
	case "completed":
		return styleOK.Render("✓")
	case "failed":
		return styleBad.Render("✗")
	case "skipped", "cancelled":
		return styleSkipped.Render("⊘")
	default:
		return styleMuted.Render("○")
	}
}

func severityStyle(severity string) lipgloss.Style {
	switch severity {
	case "error":
		return styleBad
	case "warn":
		return styleBusy
	case "debug":
		return styleMuted
	default:
		return lipgloss.NewStyle()
	}
}
