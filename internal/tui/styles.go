// Package tui provides the terminal user interface for relay.
package tui

import "github.com/charmbracelet/lipgloss"

// Tokyo Night inspired color palette
var (
	ColorBg      = lipgloss.Color("#1a1b26")
	ColorFg      = lipgloss.Color("#c0caf5")
	ColorFgMuted = lipgloss.Color("#565f89")
	ColorWorking = lipgloss.Color("#9ece6a")
	ColorIdle    = lipgloss.Color("#e0af68")
	ColorOffline = lipgloss.Color("#565f89")
	ColorFailed  = lipgloss.Color("#f7768e")
	ColorAccent  = lipgloss.Color("#7aa2f7")
)

// StatusColor returns the color for an agent or trigger status.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "working", "completed":
		return ColorWorking
	case "idle", "pending", "processing":
		return ColorIdle
	case "failed":
		return ColorFailed
	case "offline":
		return ColorOffline
	default:
		return ColorFgMuted
	}
}

// Common styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorFg).
			Bold(true).
			MarginBottom(1)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Bold(true)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorFailed)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorFgMuted)
)
