// Package runtime ties together the credential store, the session manager,
// the live update channel and the IPC server for one agent process.
package runtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/phishguard/phishguard/agent/internal/config"
	"github.com/phishguard/phishguard/agent/internal/credstore"
	"github.com/phishguard/phishguard/agent/internal/daemon"
	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/agent/internal/session"
	"github.com/phishguard/phishguard/pkg/protocol"
)

// Refresh scheduling: the access token is renewed once it is within
// refreshLeeway of expiring.
const (
	defaultRefreshCheck = 30 * time.Second
	refreshLeeway       = 2 * time.Minute
)

// Options carries overrides mostly useful in tests. Zero values use the
// production implementations.
type Options struct {
	Version      string
	HTTPClient   session.Doer
	Dialer       live.Dialer
	Clock        live.Clock
	RefreshCheck time.Duration
}

// Runtime is the agent process.
type Runtime struct {
	cfg       *config.Config
	version   string
	paths     daemon.Paths
	logger    *slog.Logger
	bus       *eventbus.Bus
	store     credstore.Store
	sessions  *session.Manager
	channel   *live.Channel
	notifier  *live.BusNotifier
	ipcServer *ipc.Server
	startedAt time.Time

	refreshCheck time.Duration
	closeOnce    sync.Once
}

// New wires the agent from configuration. If bus is nil, a private bus is
// created.
func New(cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus, opts Options) (*Runtime, error) {
	if bus == nil {
		bus = eventbus.New()
	}

	paths := daemon.At(cfg.Agent.StateDir)
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	perm, err := live.ParsePermission(cfg.Agent.Notifications)
	if err != nil {
		return nil, err
	}

	store, err := credstore.NewSQLite(paths.CredentialDB())
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	var client session.Doer = opts.HTTPClient
	if client == nil {
		client = HTTPClient(cfg)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = live.WebSocketDialer{
			HandshakeTimeout: cfg.Channel.HandshakeTimeout.Duration,
			TLSSkipVerify:    cfg.Backend.TLSSkipVerify,
		}
	}

	r := &Runtime{
		cfg:          cfg,
		version:      opts.Version,
		paths:        paths,
		logger:       logger.With("component", "runtime"),
		bus:          bus,
		store:        store,
		startedAt:    time.Now(),
		refreshCheck: opts.RefreshCheck,
	}
	if r.refreshCheck <= 0 {
		r.refreshCheck = defaultRefreshCheck
	}

	r.sessions = session.NewManager(session.Options{
		BaseURL:     cfg.Backend.URL,
		Client:      client,
		Store:       store,
		Broadcaster: bus,
		Logger:      logger,
	})
	r.notifier = live.NewBusNotifier(bus, perm, logger)
	r.channel = live.New(live.Options{
		BaseURL:              cfg.Backend.URL,
		Dialer:               dialer,
		Clock:                opts.Clock,
		Notifier:             r.notifier,
		Tokens:               r.sessions,
		Broadcaster:          bus,
		Logger:               logger,
		ReconnectInterval:    cfg.Channel.ReconnectInterval.Duration,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Channel.HeartbeatInterval.Duration,
	})

	// The channel follows the session: a user identity connects it, losing
	// the session disconnects it.
	r.sessions.SetStateChangeHandler(func(state session.State, user *protocol.UserProfile) {
		switch state {
		case session.StateAuthenticated:
			if user != nil {
				r.channel.Bind(user.ID)
			}
		case session.StateAnonymous:
			r.channel.Bind("")
		}
	})

	r.ipcServer = ipc.NewServer(paths.Socket(), r, bus, logger)
	return r, nil
}

// HTTPClient returns the client used for backend REST calls.
func HTTPClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Backend.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: cfg.Backend.RequestTimeout.Duration, Transport: transport}
}

// Bus returns the runtime's event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Paths returns the state directory layout in use.
func (r *Runtime) Paths() daemon.Paths { return r.paths }

// Sessions returns the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Channel returns the live update channel.
func (r *Runtime) Channel() *live.Channel { return r.channel }

// Run serves IPC, restores any persisted session and blocks until ctx is
// canceled.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting agent",
		"version", r.version,
		"backend", r.cfg.Backend.URL,
		"state_dir", r.paths.Dir,
	)
	defer r.Close()

	if err := r.ipcServer.Start(); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}

	user, err := r.sessions.Restore(ctx)
	switch {
	case err != nil:
		r.logger.Warn("could not restore session", "error", err)
	case user == nil:
		r.logger.Info("no stored session; waiting for login")
	}

	go r.refreshLoop(ctx)

	<-ctx.Done()
	return nil
}

// Close stops the channel and releases the socket and store. It is safe to
// call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.logger.Info("shutting down agent")
		r.channel.Disconnect()
		if err := r.ipcServer.Close(); err != nil {
			r.logger.Debug("close IPC server", "error", err)
		}
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close credential store", "error", err)
		}
	})
}

// refreshLoop renews the access token shortly before it expires so the live
// channel always reconnects with a valid bearer token.
func (r *Runtime) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.sessions.State() != session.StateAuthenticated {
				continue
			}
			exp, ok := r.sessions.TokenExpiry()
			if !ok || time.Until(exp) > refreshLeeway {
				continue
			}
			if _, err := r.sessions.Refresh(ctx); err != nil {
				r.logger.Warn("scheduled token refresh failed", "error", err)
			}
		}
	}
}

// --- ipc.Provider ---

func (r *Runtime) Status() ipc.StatusResult {
	snap := r.channel.Snapshot()
	st := ipc.StatusResult{
		Version:             r.version,
		StartedAt:           r.startedAt,
		Uptime:              time.Since(r.startedAt).Truncate(time.Second).String(),
		BackendURL:          r.cfg.Backend.URL,
		Session:             string(r.sessions.State()),
		User:                r.sessions.User(),
		Channel:             snap.State,
		Attempts:            snap.Attempts,
		Permission:          r.channel.NotificationPermission(),
		Statistics:          snap.Statistics,
		UnreadNotifications: snap.UnreadNotifications,
		UnreadThreatAlerts:  snap.UnreadThreatAlerts,
	}
	if exp, ok := r.sessions.TokenExpiry(); ok {
		st.TokenExpiry = &exp
	}
	return st
}

func (r *Runtime) Snapshot() live.Snapshot { return r.channel.Snapshot() }

func (r *Runtime) Send(msg json.RawMessage) bool { return r.channel.Send(msg) }

func (r *Runtime) RequestStatistics() bool { return r.channel.RequestStatistics() }

func (r *Runtime) MarkNotificationRead(id string) bool { return r.channel.MarkNotificationRead(id) }

func (r *Runtime) MarkThreatAlertRead(id string) bool { return r.channel.MarkThreatAlertRead(id) }

func (r *Runtime) ClearNotifications() { r.channel.ClearNotifications() }

func (r *Runtime) Connect() { r.channel.Connect() }

func (r *Runtime) Disconnect() { r.channel.Disconnect() }

func (r *Runtime) RequestNotificationPermission(ctx context.Context) (live.Permission, error) {
	return r.channel.RequestNotificationPermission(ctx)
}

func (r *Runtime) Login(ctx context.Context, email, password string) ipc.AuthResult {
	return authResult(r.sessions.Login(ctx, email, password))
}

func (r *Runtime) Register(ctx context.Context, p ipc.RegisterParams) ipc.AuthResult {
	return authResult(r.sessions.Register(ctx, p.Name, p.Email, p.Password, p.Organization))
}

func (r *Runtime) Logout(ctx context.Context) error { return r.sessions.Logout(ctx) }

func authResult(res session.Result) ipc.AuthResult {
	out := ipc.AuthResult{Success: res.Success, User: res.User, Error: res.Error}
	if res.Err != nil {
		out.Kind = res.Err.Kind.String()
	}
	return out
}
