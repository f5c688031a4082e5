// Command phishguard-devhub runs a local stand-in for the PhishGuard backend
// so the agent can be exercised without the real service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/devhub/backend"
	"github.com/phishguard/phishguard/pkg/protocol"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr      string
		secret    string
		rotate    bool
		logLevel  string
		seedEmail string
		seedPass  string
		accessTTL time.Duration
		lockAfter int
	)

	cmd := &cobra.Command{
		Use:           "phishguard-devhub",
		Short:         "Local PhishGuard backend for development",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

			srv := backend.New(backend.Options{
				JWTSecret:           secret,
				AccessTTL:           accessTTL,
				RotateRefreshTokens: rotate,
				LockAfter:           lockAfter,
				Logger:              logger,
			})
			if seedEmail != "" {
				user, err := srv.Accounts().Register(protocol.RegisterRequest{
					Name: "Dev User", Email: seedEmail, Password: seedPass, Organization: "Local",
				})
				if err != nil {
					return fmt.Errorf("seed user: %w", err)
				}
				logger.Info("seeded user", "email", user.Email, "user_id", user.ID)
			}

			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			logger.Info("devhub listening", "addr", addr, "rotate_refresh_tokens", rotate)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("devhub stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:8700", "listen address")
	f.StringVar(&secret, "jwt-secret", "", "HS256 signing secret (a fixed dev secret when empty)")
	f.BoolVar(&rotate, "rotate", false, "issue a new refresh token on every refresh")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&seedEmail, "seed-email", "", "create this user at startup")
	f.StringVar(&seedPass, "seed-password", "phishguard-dev", "password for the seeded user")
	f.DurationVar(&accessTTL, "access-ttl", 15*time.Minute, "access token lifetime")
	f.IntVar(&lockAfter, "lock-after", 5, "failed logins before an account is locked")
	return cmd
}
