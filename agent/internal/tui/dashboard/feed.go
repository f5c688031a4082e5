package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/agent/internal/tui"
)

// row is one line of a feed panel.
type row struct {
	id     string
	title  string
	detail string
	level  string
	at     time.Time
	unread bool
}

func notificationRows(items []live.NotificationRecord) []row {
	rows := make([]row, len(items))
	for i, n := range items {
		rows[i] = row{id: n.ID, title: n.Title, detail: n.Message, level: n.Priority, at: n.Timestamp, unread: n.IsNew}
	}
	return rows
}

func threatRows(items []live.ThreatAlertRecord) []row {
	rows := make([]row, len(items))
	for i, a := range items {
		detail := a.Message
		if a.Sender != "" {
			detail = fmt.Sprintf("%s  [%s]", a.Message, a.Sender)
		}
		rows[i] = row{id: a.ID, title: a.Title, detail: detail, level: a.Severity, at: a.Timestamp, unread: a.IsNew}
	}
	return rows
}

// feedModel is a scrollable list with a cursor, newest first.
type feedModel struct {
	empty  string
	rows   []row
	cursor int
	limit  int // visible rows
}

func newFeed(empty string) feedModel {
	return feedModel{empty: empty, limit: 8}
}

func (f *feedModel) set(rows []row) {
	f.rows = rows
	if f.cursor >= len(rows) {
		f.cursor = max(0, len(rows)-1)
	}
}

func (f *feedModel) move(delta int) {
	f.cursor = min(max(0, f.cursor+delta), max(0, len(f.rows)-1))
}

// selected returns the id under the cursor.
func (f feedModel) selected() (string, bool) {
	if len(f.rows) == 0 {
		return "", false
	}
	return f.rows[f.cursor].id, true
}

func (f feedModel) View() string {
	if len(f.rows) == 0 {
		return tui.Dimmed.Render("  " + f.empty)
	}

	start := 0
	if f.cursor >= f.limit {
		start = f.cursor - f.limit + 1
	}
	end := min(len(f.rows), start+f.limit)

	var b strings.Builder
	for i := start; i < end; i++ {
		r := f.rows[i]
		cursor := "  "
		if i == f.cursor {
			cursor = tui.Selected.Render("> ")
		}
		mark := " "
		if r.unread {
			mark = tui.Unread.Render("•")
		}
		level := r.level
		if level == "" {
			level = "-"
		}
		line := fmt.Sprintf("%s %s %-6s %s  %s",
			mark,
			tui.Dimmed.Render(r.at.Local().Format("15:04:05")),
			tui.SeverityStyle(r.level).Render(level),
			r.title,
			tui.Description.Render(r.detail),
		)
		b.WriteString(cursor + line + "\n")
	}
	if hidden := len(f.rows) - end; hidden > 0 {
		b.WriteString(tui.Dimmed.Render(fmt.Sprintf("  … %d more", hidden)) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
