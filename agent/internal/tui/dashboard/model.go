// Package dashboard is the terminal view of a running agent: session and
// channel status, the threat and notification feeds and the agent log.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/agent/internal/tui"
)

const callTimeout = 3 * time.Second

// Backend is the part of the agent API the dashboard drives. *ipc.Client
// implements it.
type Backend interface {
	Status(ctx context.Context) (*ipc.StatusResult, error)
	Notifications(ctx context.Context) (*ipc.NotificationsResult, error)
	ThreatAlerts(ctx context.Context) (*ipc.ThreatAlertsResult, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
	MarkThreatAlertRead(ctx context.Context, id string) (bool, error)
	ClearNotifications(ctx context.Context) error
	RequestStatistics(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (live.Permission, error)
}

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelThreats Panel = iota
	PanelNotifications
	PanelLogs
	panelCount
)

var keys = struct {
	quit, tab, down, up, read, clear, stats, permission, help key.Binding
}{
	quit:       key.NewBinding(key.WithKeys("ctrl+c", "q")),
	tab:        key.NewBinding(key.WithKeys("tab")),
	down:       key.NewBinding(key.WithKeys("j", "down")),
	up:         key.NewBinding(key.WithKeys("k", "up")),
	read:       key.NewBinding(key.WithKeys("r")),
	clear:      key.NewBinding(key.WithKeys("c")),
	stats:      key.NewBinding(key.WithKeys("s")),
	permission: key.NewBinding(key.WithKeys("p")),
	help:       key.NewBinding(key.WithKeys("?")),
}

// Model is the root dashboard model.
type Model struct {
	backend Backend

	header        headerModel
	threats       feedModel
	notifications feedModel
	logs          logsModel
	help          helpModel

	activePanel Panel
	note        string
	width       int
	height      int
	quitting    bool
}

// NewModel returns a dashboard bound to backend. status seeds the header
// until the first refresh lands.
func NewModel(backend Backend, status ipc.StatusResult) Model {
	m := Model{
		backend:       backend,
		threats:       newFeed("No threat alerts"),
		notifications: newFeed("No notifications"),
		logs:          newLogs(),
	}
	m.header.update(status)
	return m
}

// EventMsg wraps an event forwarded from the agent.
type EventMsg struct {
	Type string
	Time time.Time
	Data json.RawMessage
}

// RefreshMsg carries a fresh view of the agent state.
type RefreshMsg struct {
	Status        *ipc.StatusResult
	Notifications *ipc.NotificationsResult
	Threats       *ipc.ThreatAlertsResult
	Err           error
}

// actionMsg reports the outcome of a key-triggered call.
type actionMsg struct {
	note string
	err  error
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

// refresh fetches status and both feeds.
func (m Model) refresh() tea.Cmd {
	b := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		var msg RefreshMsg
		if msg.Status, msg.Err = b.Status(ctx); msg.Err != nil {
			return msg
		}
		if msg.Notifications, msg.Err = b.Notifications(ctx); msg.Err != nil {
			return msg
		}
		msg.Threats, msg.Err = b.ThreatAlerts(ctx)
		return msg
	}
}

func (m Model) call(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		note, err := fn(ctx)
		return actionMsg{note: note, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case RefreshMsg:
		if msg.Err != nil {
			m.note = tui.ErrorStyle.Render("refresh failed: " + msg.Err.Error())
			return m, nil
		}
		if msg.Status != nil {
			m.header.update(*msg.Status)
		}
		if msg.Notifications != nil {
			m.notifications.set(notificationRows(msg.Notifications.Notifications))
		}
		if msg.Threats != nil {
			m.threats.set(threatRows(msg.Threats.ThreatAlerts))
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.note = tui.ErrorStyle.Render(msg.err.Error())
		} else {
			m.note = tui.Success.Render(msg.note)
		}
		return m, m.refresh()

	case EventMsg:
		m.logs.add(msg)
		if msg.Type == eventbus.LogEntry {
			return m, nil
		}
		// Anything else changed channel, session or feed state.
		return m, m.refresh()
	}

	if m.activePanel == PanelLogs {
		var cmd tea.Cmd
		m.logs, cmd = m.logs.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.quit):
		m.quitting = true
		return tea.Quit, true
	case key.Matches(msg, keys.help):
		m.help.toggle()
		return nil, true
	case key.Matches(msg, keys.tab):
		m.activePanel = (m.activePanel + 1) % panelCount
		return nil, true
	case key.Matches(msg, keys.clear):
		return m.call(func(ctx context.Context) (string, error) {
			return "Notifications cleared", m.backend.ClearNotifications(ctx)
		}), true
	case key.Matches(msg, keys.stats):
		return m.call(func(ctx context.Context) (string, error) {
			ok, err := m.backend.RequestStatistics(ctx)
			if err == nil && !ok {
				return "", fmt.Errorf("live channel is not connected")
			}
			return "Statistics requested", err
		}), true
	case key.Matches(msg, keys.permission):
		return m.call(func(ctx context.Context) (string, error) {
			perm, err := m.backend.RequestPermission(ctx)
			return "System alerts " + string(perm), err
		}), true
	}

	feed := m.activeFeed()
	if feed == nil {
		return nil, false
	}
	switch {
	case key.Matches(msg, keys.down):
		feed.move(1)
		return nil, true
	case key.Matches(msg, keys.up):
		feed.move(-1)
		return nil, true
	case key.Matches(msg, keys.read):
		id, ok := feed.selected()
		if !ok {
			return nil, true
		}
		mark := m.backend.MarkNotificationRead
		if m.activePanel == PanelThreats {
			mark = m.backend.MarkThreatAlertRead
		}
		return m.call(func(ctx context.Context) (string, error) {
			found, err := mark(ctx, id)
			if err == nil && !found {
				return "", fmt.Errorf("%s is no longer buffered", id)
			}
			return "Marked as read", err
		}), true
	}
	return nil, false
}

func (m *Model) activeFeed() *feedModel {
	switch m.activePanel {
	case PanelThreats:
		return &m.threats
	case PanelNotifications:
		return &m.notifications
	}
	return nil
}

func (m Model) logsHeight() int {
	h := m.height - 30
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.help.visible {
		return m.help.View()
	}

	panel := func(p Panel, title, body string) string {
		style := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(tui.ColorMuted)
		if m.width > 2 {
			style = style.Width(m.width - 2)
		}
		if m.activePanel == p {
			style = style.BorderForeground(tui.ColorPrimary)
		}
		return style.Render(tui.Subtitle.Render(title) + "\n" + body)
	}

	st := m.header.status
	sections := []string{
		m.header.View(m.width),
		panel(PanelThreats, fmt.Sprintf("Threat alerts (%d unread)", st.UnreadThreatAlerts), m.threats.View()),
		panel(PanelNotifications, fmt.Sprintf("Notifications (%d unread)", st.UnreadNotifications), m.notifications.View()),
		panel(PanelLogs, "Agent log", m.logs.View()),
	}
	if m.note != "" {
		sections = append(sections, "  "+m.note)
	}
	sections = append(sections, m.help.bar())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
