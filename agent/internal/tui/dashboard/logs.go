package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/agent/internal/tui"
)

const maxLogLines = 500

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 6), autoScroll: true}
}

func (l *logsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) add(evt EventMsg) {
	l.lines = append(l.lines, formatEvent(evt))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(evt EventMsg) string {
	ts := evt.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Local().Format("15:04:05")

	if evt.Type == eventbus.LogEntry {
		var entry map[string]any
		if err := json.Unmarshal(evt.Data, &entry); err == nil {
			level, _ := entry["level"].(string)
			msg, _ := entry["msg"].(string)

			var attrs []string
			for k, v := range entry {
				if k == "level" || k == "msg" || k == "time" {
					continue
				}
				attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
			}
			sort.Strings(attrs)

			line := fmt.Sprintf("  %s %s  %s", stamp, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), msg)
			if len(attrs) > 0 {
				line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
			}
			return line
		}
	}
	return fmt.Sprintf("  %s %s  %s", stamp, tui.Dimmed.Render(evt.Type), string(evt.Data))
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
