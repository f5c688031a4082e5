package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/agent/internal/runtime"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the agent in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	// Log records go to stdout and to the bus, where attached dashboards
	// tail them.
	bus := eventbus.New()
	defer bus.Close()
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Agent.LogLevel)})
	logger := slog.New(eventbus.NewSlogHandler(handler, bus))

	rt, err := runtime.New(cfg, logger, bus, runtime.Options{Version: version})
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("phishguard agent starting", "version", version, "config", configPath)

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent error", "error", err)
		return err
	}

	logger.Info("agent stopped")
	return nil
}
