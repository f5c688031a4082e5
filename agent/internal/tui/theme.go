// Package tui holds the shared palette and styles of the agent dashboard.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/phishguard/phishguard/agent/internal/live"
)

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help is the key hint bar at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Unread marks records that have not been read yet.
	Unread = lipgloss.NewStyle().
		Foreground(ColorAccent).
		Bold(true)
)

func dot(c lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(c).Render("●")
}

// StateDot returns a colored dot for a live channel state.
func StateDot(s live.State) string {
	switch s {
	case live.StateConnected:
		return dot(ColorSuccess)
	case live.StateConnecting, live.StateReconnecting:
		return dot(ColorWarning)
	case live.StateFailed, live.StateError:
		return dot(ColorError)
	default:
		return dot(ColorMuted)
	}
}

// StateText returns a colored label for a live channel state.
func StateText(s live.State) string {
	switch s {
	case live.StateConnected:
		return Success.Render(string(s))
	case live.StateConnecting, live.StateReconnecting:
		return WarningStyle.Render(string(s))
	case live.StateFailed, live.StateError:
		return ErrorStyle.Render(string(s))
	default:
		return Dimmed.Render(string(s))
	}
}

// SeverityStyle colors a threat severity or notification priority.
func SeverityStyle(level string) lipgloss.Style {
	switch level {
	case "critical", "high":
		return lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	case "medium", "normal":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "low":
		return lipgloss.NewStyle().Foreground(ColorSubtle)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}

// LogLevelStyle returns a style for the given slog level name.
func LogLevelStyle(level string) lipgloss.Style {
	switch level {
	case "DEBUG":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "INFO":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "WARN":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "ERROR":
		return lipgloss.NewStyle().Foreground(ColorError)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
