package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/phishguard/phishguard/agent/internal/ipc"
)

const refreshInterval = 2 * time.Second

// Attach connects to a running agent over IPC and runs the dashboard until
// the user quits. The agent keeps running afterwards.
func Attach(socketPath string) error {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	status, err := client.Status(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	// Everything: log entries feed the log panel, the rest trigger refreshes.
	if err := client.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	m := NewModel(client, *status)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for evt := range client.Events() {
			p.Send(EventMsg{Type: evt.Type, Time: evt.Timestamp, Data: evt.Data})
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-client.Done():
				p.Send(RefreshMsg{Err: fmt.Errorf("agent connection closed")})
				return
			case <-ticker.C:
				p.Send(m.refresh()())
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
