package tui

import "github.com/charmbracelet/lipgloss"

type theme struct {
	header      lipgloss.Style
	own         lipgloss.Style
	peer        lipgloss.Style
	timestamp   lipgloss.Style
	deleted     lipgloss.Style
	marker      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	typing      lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
}

func newTheme() theme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		header: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderBottom(true).
			BorderForeground(blue),
		own:         lipgloss.NewStyle().Foreground(mint).Bold(true),
		peer:        lipgloss.NewStyle().Foreground(blue).Bold(true),
		timestamp:   lipgloss.NewStyle().Foreground(muted),
		deleted:     lipgloss.NewStyle().Foreground(muted).Italic(true),
		marker:      lipgloss.NewStyle().Foreground(muted),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		typing:      lipgloss.NewStyle().Foreground(muted).Italic(true),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText: lipgloss.NewStyle().Foreground(muted),
	}
}
