package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/pkg/protocol"
)

type fakeBackend struct {
	mu            sync.Mutex
	status        ipc.StatusResult
	notifications []live.NotificationRecord
	threats       []live.ThreatAlertRecord
	calls         []string
	statusErr     error
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeBackend) Status(context.Context) (*ipc.StatusResult, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeBackend) Notifications(context.Context) (*ipc.NotificationsResult, error) {
	return &ipc.NotificationsResult{Notifications: f.notifications}, nil
}

func (f *fakeBackend) ThreatAlerts(context.Context) (*ipc.ThreatAlertsResult, error) {
	return &ipc.ThreatAlertsResult{ThreatAlerts: f.threats}, nil
}

func (f *fakeBackend) MarkNotificationRead(_ context.Context, id string) (bool, error) {
	f.record("notification:" + id)
	return true, nil
}

func (f *fakeBackend) MarkThreatAlertRead(_ context.Context, id string) (bool, error) {
	f.record("threat:" + id)
	return id != "gone", nil
}

func (f *fakeBackend) ClearNotifications(context.Context) error {
	f.record("clear")
	return nil
}

func (f *fakeBackend) RequestStatistics(context.Context) (bool, error) {
	f.record("stats")
	return f.status.Channel == live.StateConnected, nil
}

func (f *fakeBackend) RequestPermission(context.Context) (live.Permission, error) {
	f.record("permission")
	return live.PermissionGranted, nil
}

func newBackend() *fakeBackend {
	now := time.Now()
	return &fakeBackend{
		status: ipc.StatusResult{
			Session:             "authenticated",
			User:                &protocol.UserProfile{ID: "u-1", Email: "ada@example.com"},
			Channel:             live.StateConnected,
			UnreadThreatAlerts:  2,
			UnreadNotifications: 1,
		},
		threats: []live.ThreatAlertRecord{
			{ID: "t-2", Title: "Phishing detected", Severity: "high", Timestamp: now, IsNew: true},
			{ID: "t-1", Title: "Suspicious link", Severity: "medium", Timestamp: now, IsNew: true},
		},
		notifications: []live.NotificationRecord{
			{ID: "n-1", Title: "Scan complete", Priority: "low", Timestamp: now, IsNew: true},
		},
	}
}

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// drive applies msg and feeds every resulting command's message back in,
// the way the program loop would.
func drive(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	for i := 0; msg != nil && i < 5; i++ {
		next, cmd := m.Update(msg)
		m = next.(Model)
		if cmd == nil {
			break
		}
		msg = cmd()
		if _, ok := msg.(tea.QuitMsg); ok {
			break
		}
	}
	return m
}

func loaded(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	m := NewModel(b, ipc.StatusResult{})
	return drive(t, m, m.Init()())
}

func TestModel_InitLoadsFeeds(t *testing.T) {
	b := newBackend()
	m := loaded(t, b)

	if len(m.threats.rows) != 2 || len(m.notifications.rows) != 1 {
		t.Fatalf("rows = %d threats, %d notifications", len(m.threats.rows), len(m.notifications.rows))
	}
	view := m.View()
	for _, want := range []string{"ada@example.com", "Phishing detected", "Scan complete", "Threat alerts (2 unread)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_MarkSelectedThreatRead(t *testing.T) {
	b := newBackend()
	m := loaded(t, b)

	m = drive(t, m, runeKey("j"))
	m = drive(t, m, runeKey("r"))

	if !b.called("threat:t-1") {
		t.Errorf("calls = %v", b.calls)
	}
	if !strings.Contains(m.note, "Marked as read") {
		t.Errorf("note = %q", m.note)
	}
}

func TestModel_TabSwitchesToNotifications(t *testing.T) {
	b := newBackend()
	m := loaded(t, b)

	m = drive(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activePanel != PanelNotifications {
		t.Fatalf("panel = %d", m.activePanel)
	}
	m = drive(t, m, runeKey("r"))
	if !b.called("notification:n-1") {
		t.Errorf("calls = %v", b.calls)
	}

	m = drive(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m = drive(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activePanel != PanelThreats {
		t.Errorf("panel after full cycle = %d", m.activePanel)
	}
}

func TestModel_MarkReadOfEvictedRecord(t *testing.T) {
	b := newBackend()
	b.threats = []live.ThreatAlertRecord{{ID: "gone", Title: "old"}}
	m := loaded(t, b)

	m = drive(t, m, runeKey("r"))
	if !strings.Contains(m.note, "no longer buffered") {
		t.Errorf("note = %q", m.note)
	}
}

func TestModel_GlobalActions(t *testing.T) {
	b := newBackend()
	m := loaded(t, b)

	m = drive(t, m, runeKey("c"))
	m = drive(t, m, runeKey("s"))
	m = drive(t, m, runeKey("p"))
	for _, call := range []string{"clear", "stats", "permission"} {
		if !b.called(call) {
			t.Errorf("%s not called; calls = %v", call, b.calls)
		}
	}
	if !strings.Contains(m.note, "System alerts granted") {
		t.Errorf("note = %q", m.note)
	}
}

func TestModel_StatsWhileDisconnected(t *testing.T) {
	b := newBackend()
	b.status.Channel = live.StateDisconnected
	m := loaded(t, b)

	m = drive(t, m, runeKey("s"))
	if !strings.Contains(m.note, "not connected") {
		t.Errorf("note = %q", m.note)
	}
}

func TestModel_RefreshError(t *testing.T) {
	b := newBackend()
	b.statusErr = errors.New("socket closed")
	m := loaded(t, b)

	if !strings.Contains(m.note, "socket closed") {
		t.Errorf("note = %q", m.note)
	}
}

func TestModel_LogEvents(t *testing.T) {
	b := newBackend()
	m := loaded(t, b)

	entry, _ := json.Marshal(map[string]any{"level": "WARN", "msg": "live channel closed", "component": "live"})
	m = drive(t, m, EventMsg{Type: eventbus.LogEntry, Time: time.Now(), Data: entry})
	m = drive(t, m, EventMsg{Type: eventbus.ThreatDetected, Time: time.Now(), Data: json.RawMessage(`{"id":"t-3"}`)})

	if len(m.logs.lines) != 2 {
		t.Fatalf("log lines = %d", len(m.logs.lines))
	}
	if !strings.Contains(m.logs.lines[0], "live channel closed") || !strings.Contains(m.logs.lines[0], "component=live") {
		t.Errorf("log line = %q", m.logs.lines[0])
	}
	if !strings.Contains(m.logs.lines[1], eventbus.ThreatDetected) {
		t.Errorf("event line = %q", m.logs.lines[1])
	}
}

func TestModel_HelpAndQuit(t *testing.T) {
	m := loaded(t, newBackend())

	m = drive(t, m, runeKey("?"))
	if !strings.Contains(m.View(), "Keyboard Shortcuts") {
		t.Error("help not shown")
	}
	m = drive(t, m, runeKey("?"))

	next, cmd := m.Update(runeKey("q"))
	if cmd == nil {
		t.Fatal("quit returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
	if next.(Model).View() != "" {
		t.Error("view not blank after quit")
	}
}
