package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/tui/dashboard"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Open the dashboard of a running agent",
		RunE:  runAttach,
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	if err := dashboard.Attach(statePaths(cmd).Socket()); err != nil {
		return fmt.Errorf("attach failed: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "The agent continues in the background.")
	_, _ = fmt.Fprintln(out, "Re-attach: phishguard-agent  |  Stop: phishguard-agent stop")
	return nil
}
