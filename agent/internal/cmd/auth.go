package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/credstore"
	"github.com/phishguard/phishguard/agent/internal/daemon"
	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/runtime"
	"github.com/phishguard/phishguard/agent/internal/session"
	"github.com/phishguard/phishguard/pkg/cli"
)

const authTimeout = 30 * time.Second

// authClient performs account operations either through a running agent or,
// when none is running, directly against the local credential store.
type authClient interface {
	Login(ctx context.Context, email, password string) (*ipc.AuthResult, error)
	Register(ctx context.Context, p ipc.RegisterParams) (*ipc.AuthResult, error)
	Logout(ctx context.Context) error
	Close() error
}

func openAuth(cmd *cobra.Command) (authClient, error) {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	paths := daemon.At(cfg.Agent.StateDir)

	if client, err := ipc.Dial(paths.Socket()); err == nil {
		return client, nil
	}

	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	store, err := credstore.NewSQLite(paths.CredentialDB())
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	mgr := session.NewManager(session.Options{
		BaseURL: cfg.Backend.URL,
		Client:  runtime.HTTPClient(cfg),
		Store:   store,
		Logger:  quietLogger(cmd.ErrOrStderr()),
	})
	return &localAuth{mgr: mgr, store: store}, nil
}

type localAuth struct {
	mgr   *session.Manager
	store *credstore.SQLiteStore
}

func (l *localAuth) Login(ctx context.Context, email, password string) (*ipc.AuthResult, error) {
	return toAuthResult(l.mgr.Login(ctx, email, password)), nil
}

func (l *localAuth) Register(ctx context.Context, p ipc.RegisterParams) (*ipc.AuthResult, error) {
	return toAuthResult(l.mgr.Register(ctx, p.Name, p.Email, p.Password, p.Organization)), nil
}

func (l *localAuth) Logout(ctx context.Context) error {
	// Pick up the stored credential so the backend hears about the logout.
	if cred, err := l.store.Load(ctx); err == nil && cred != nil {
		if _, err := l.mgr.Restore(ctx); err != nil {
			return l.store.Clear(ctx)
		}
	}
	return l.mgr.Logout(ctx)
}

func (l *localAuth) Close() error { return l.store.Close() }

func toAuthResult(res session.Result) *ipc.AuthResult {
	out := &ipc.AuthResult{Success: res.Success, User: res.User, Error: res.Error}
	if res.Err != nil {
		out.Kind = res.Err.Kind.String()
	}
	return out
}

func prompter(cmd *cobra.Command) *cli.Prompter {
	return &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to PhishGuard",
		RunE:  runLogin,
	}
	cmd.Flags().String("email", "", "account email (prompted when empty)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	p := prompter(cmd)
	email, _ := cmd.Flags().GetString("email")
	var password string
	var err error
	if email == "" {
		email, password, err = p.Credentials()
	} else {
		password = p.AskPassword("Password")
		if password == "" {
			err = errors.New("password is required")
		}
	}
	if err != nil {
		return err
	}

	client, err := openAuth(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()
	res, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return reportAuth(cmd, res, "Signed in")
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create a PhishGuard account and sign in",
		RunE:  runRegister,
	}
}

func runRegister(cmd *cobra.Command, args []string) error {
	p := prompter(cmd)
	name, err := p.AskRequired("Name")
	if err != nil {
		return err
	}
	email, err := p.AskEmail("Email")
	if err != nil {
		return err
	}
	org := p.Ask("Organization", "")
	password := p.AskPassword("Password")
	if password == "" {
		return errors.New("password is required")
	}
	if confirm := p.AskPassword("Confirm password"); confirm != password {
		return errors.New("passwords do not match")
	}

	client, err := openAuth(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()
	res, err := client.Register(ctx, ipc.RegisterParams{Name: name, Email: email, Password: password, Organization: org})
	if err != nil {
		return err
	}
	return reportAuth(cmd, res, "Account created; signed in")
}

func reportAuth(cmd *cobra.Command, res *ipc.AuthResult, success string) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	who := ""
	if res.User != nil {
		who = " as " + res.User.Email
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", success, who)
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openAuth(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}
