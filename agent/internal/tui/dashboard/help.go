package dashboard

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/phishguard/phishguard/agent/internal/tui"
)

type helpModel struct {
	visible bool
}

func (h *helpModel) toggle() {
	h.visible = !h.visible
}

func (h helpModel) bar() string {
	return tui.Help.Render("  q quit  Tab switch  j/k move  r mark read  c clear  s stats  p alerts  ? help")
}

func (h helpModel) View() string {
	binds := []struct {
		key  string
		desc string
	}{
		{"q / Ctrl+C", "Quit the dashboard (the agent keeps running)"},
		{"Tab", "Cycle threats, notifications and log panels"},
		{"j / Down", "Move down"},
		{"k / Up", "Move up"},
		{"r", "Mark the selected entry as read"},
		{"c", "Clear all notifications"},
		{"s", "Ask the backend for fresh statistics"},
		{"p", "Enable system alerts for high-priority events"},
		{"?", "Toggle this help"},
	}

	keyStyle := lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(14)
	descStyle := lipgloss.NewStyle().Foreground(tui.ColorText)

	s := tui.Title.Render("Keyboard Shortcuts") + "\n\n"
	for _, b := range binds {
		s += "  " + keyStyle.Render(b.key) + descStyle.Render(b.desc) + "\n"
	}
	s += "\n" + tui.Help.Render("  Press ? to close")
	return lipgloss.NewStyle().Padding(1, 2).Render(s)
}
