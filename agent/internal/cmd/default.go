package cmd

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/phishguard/phishguard/agent/internal/daemon"
)

// runDefault implements bare `phishguard-agent`:
//   - agent running? attach the dashboard
//   - no config? run init
//   - otherwise run the agent in the foreground
func runDefault(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}

	if pid, _ := statePaths(cmd).ReadPID(); pid != 0 && daemon.IsRunning(pid) {
		return runAttach(cmd, args)
	}

	if _, err := os.Stat(resolveConfigPath(cmd, args)); errors.Is(err, fs.ErrNotExist) {
		return runInit(cmd, args)
	}
	return runRun(cmd, args)
}
