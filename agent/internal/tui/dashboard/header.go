package dashboard

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/agent/internal/tui"
)

type headerModel struct {
	status ipc.StatusResult
}

func (h *headerModel) update(status ipc.StatusResult) {
	h.status = status
}

func (h headerModel) View(width int) string {
	st := h.status
	left := tui.Title.Render("PhishGuard Agent")

	who := tui.Dimmed.Render("signed out")
	if st.User != nil {
		who = st.User.Email
	}
	channel := tui.StateText(st.Channel)
	if st.Channel == live.StateReconnecting {
		channel += tui.Dimmed.Render(fmt.Sprintf(" (attempt %d)", st.Attempts))
	}
	right := fmt.Sprintf("%s  %s %s", who, tui.StateDot(st.Channel), channel)

	info := fmt.Sprintf("Unread: %d notifications, %d threats   System alerts: %s   Uptime: %s",
		st.UnreadNotifications, st.UnreadThreatAlerts, st.Permission, st.Uptime)
	if s := st.Statistics; s != nil {
		info += fmt.Sprintf("\nScanned %d   Threats %d   Phishing blocked %d   Suspicious %d   Safe %d",
			s.EmailsScanned, s.ThreatsDetected, s.PhishingBlocked, s.SuspiciousEmails, s.SafeEmails)
	}

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Padding(0, 1)
	if width > 2 {
		style = style.Width(width - 2)
	}
	return style.Render(firstRow + "\n" + tui.Description.Render(info))
}
