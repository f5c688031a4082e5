package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background agent",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	paths := statePaths(cmd)
	out := cmd.OutOrStdout()

	pid, err := paths.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(out, "Agent is not running (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_ = paths.RemovePID()
		_, _ = fmt.Fprintf(out, "Agent is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Stopping agent (PID %d)...\n", pid)
	if err := daemon.Stop(pid, 5*time.Second); err != nil {
		return err
	}
	_ = paths.RemovePID()
	_, _ = fmt.Fprintln(out, "Agent stopped")
	return nil
}
