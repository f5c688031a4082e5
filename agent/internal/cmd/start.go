package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the agent as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	paths := daemon.At(cfg.Agent.StateDir)

	pid, _ := paths.ReadPID()
	if pid > 0 && daemon.IsRunning(pid) {
		return fmt.Errorf("agent is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := paths.OpenLog()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "run", configPath)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	if err := paths.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Agent started (PID %d)\n", child.Process.Pid)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", configPath)
	_, _ = fmt.Fprintf(out, "  Logs:   %s\n", paths.LogFile())
	return nil
}
