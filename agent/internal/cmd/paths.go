package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/config"
	"github.com/phishguard/phishguard/agent/internal/daemon"
)

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. ~/.phishguard/agent-config.json
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return daemon.At("").Config()
}

func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	path := resolveConfigPath(cmd, args)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, nil
}

// statePaths returns the state directory named by the config, falling back to
// the default directory when the config can't be read.
func statePaths(cmd *cobra.Command) daemon.Paths {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return daemon.At("")
	}
	return daemon.At(cfg.Agent.StateDir)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// quietLogger is used by one-shot commands; only warnings reach stderr.
func quietLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
