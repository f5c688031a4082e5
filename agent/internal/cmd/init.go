package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/config"
)

const defaultBackendURL = "http://127.0.0.1:8700/api"

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [config-file]",
		Short: "Interactively create an agent config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config without asking")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(cmd, args)
	p := prompter(cmd)
	out := cmd.OutOrStdout()

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		if !p.Confirm(fmt.Sprintf("%s exists. Overwrite?", path), false) {
			_, _ = fmt.Fprintln(out, "Keeping the existing config.")
			return nil
		}
	}

	_, _ = fmt.Fprintln(out, "PhishGuard agent setup")
	_, _ = fmt.Fprintln(out)

	cfg := &config.Config{}
	cfg.Backend.URL = p.Ask("Backend API URL", defaultBackendURL)
	if p.Confirm("Show system alerts for high-priority threats?", true) {
		cfg.Agent.Notifications = "granted"
	} else {
		cfg.Agent.Notifications = "denied"
	}
	cfg.Agent.LogLevel = p.Ask("Log level (debug, info, warn, error)", "info")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "\nWrote %s\n", path)
	_, _ = fmt.Fprintln(out, "Next: phishguard-agent start, then phishguard-agent login")
	return nil
}
