// Package session owns the agent's credential lifecycle: login, registration,
// silent refresh, logout and restoration of a persisted session on startup.
//
// The manager is the only writer of the credential store. Authenticated calls
// go through Do, which attaches the current access token to each request and
// recovers from a single 401 by refreshing and retrying once.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phishguard/phishguard/agent/internal/credstore"
	"github.com/phishguard/phishguard/pkg/protocol"
)

// State is the session state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

// Broadcast topics. They mirror the eventbus topic names so a *eventbus.Bus
// can be passed directly as the Broadcaster.
const (
	topicState      = "session.state"
	topicCredential = "session.credential"
	topicCleared    = "session.cleared"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Broadcaster receives one-way notifications about credential changes.
type Broadcaster interface {
	PublishType(eventType string, data any)
}

// StateChangeHandler is called after every state transition with the user
// the session now belongs to (nil when anonymous).
type StateChangeHandler func(state State, user *protocol.UserProfile)

// Result is the outcome of Login and Register. On failure Error holds the
// user-facing message and Err the classified cause.
type Result struct {
	Success     bool
	User        *protocol.UserProfile
	AccessToken string
	Error       string
	Err         *AuthError
}

func failed(e *AuthError) Result {
	return Result{Success: false, Error: e.Message(), Err: e}
}

// CredentialEvent is broadcast when a credential is established or refreshed.
type CredentialEvent struct {
	AccessToken string               `json:"access_token"`
	User        protocol.UserProfile `json:"user"`
}

// StateEvent is broadcast on every state transition.
type StateEvent struct {
	State  State  `json:"state"`
	UserID string `json:"user_id,omitempty"`
}

// Options configures a Manager.
type Options struct {
	BaseURL     string // backend HTTP base, e.g. https://api.example.com/api
	Client      Doer   // defaults to an *http.Client with a 15s timeout
	Store       credstore.Store
	Broadcaster Broadcaster // optional
	Logger      *slog.Logger
}

// Manager is the single source of truth for the current credential.
type Manager struct {
	baseURL string
	client  Doer
	store   credstore.Store
	bcast   Broadcaster
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	cred    *credstore.Credential // replaced wholesale, never mutated in place
	onState StateChangeHandler

	refreshMu sync.Mutex // serialises refresh exchanges
	// commitMu pairs every store write with the matching swap of cred. It is
	// never held across a network call.
	commitMu sync.Mutex
}

// NewManager creates a session manager. Call Restore to pick up a persisted
// session.
func NewManager(opts Options) *Manager {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		store:   opts.Store,
		bcast:   opts.Broadcaster,
		logger:  logger.With("component", "session"),
		state:   StateAnonymous,
	}
}

// SetStateChangeHandler installs fn as the state transition callback.
func (m *Manager) SetStateChangeHandler(fn StateChangeHandler) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User returns a copy of the current user, or nil when anonymous.
func (m *Manager) User() *protocol.UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil
	}
	u := m.cred.User
	return &u
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.AccessToken
}

// AuthHeader returns the Authorization header value attached to
// authenticated requests, or "" when anonymous.
func (m *Manager) AuthHeader() string {
	if tok := m.AccessToken(); tok != "" {
		return "Bearer " + tok
	}
	return ""
}

// TokenExpiry reads the exp claim of the current access token. The token is
// not verified; the backend remains the authority on validity.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	tok := m.AccessToken()
	if tok == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Login exchanges email and password for a credential.
func (m *Manager) Login(ctx context.Context, email, password string) Result {
	m.transition(StateAuthenticating, nil)

	var resp protocol.LoginResponse
	status, body, err := m.postJSON(ctx, "/auth/login", "", protocol.LoginRequest{Email: email, Password: password}, &resp)
	switch {
	case err != nil && status == 0:
		return m.loginFailed(&AuthError{Kind: KindNetwork, Err: err})
	case err != nil:
		return m.loginFailed(&AuthError{Kind: KindUnknown, Status: status, Err: err})
	case status/100 != 2:
		return m.loginFailed(classify(status, body))
	}
	if resp.AccessToken == "" {
		return m.loginFailed(&AuthError{Kind: KindUnknown, Status: status, Err: errors.New("response has no access token")})
	}

	cred := credstore.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
	}
	m.commitMu.Lock()
	if err := m.store.Save(ctx, cred); err != nil {
		m.commitMu.Unlock()
		return m.loginFailed(&AuthError{Kind: KindStorage, Err: err})
	}
	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()
	m.commitMu.Unlock()

	m.logger.Info("login succeeded", "user_id", cred.User.ID)
	m.transition(StateAuthenticated, &cred.User)
	m.broadcastCredential(cred)

	user := cred.User
	return Result{Success: true, User: &user, AccessToken: cred.AccessToken}
}

// loginFailed restores the state held before the attempt.
func (m *Manager) loginFailed(e *AuthError) Result {
	m.logger.Warn("login failed", "kind", e.Kind.String(), "status", e.Status, "error", e)
	m.mu.Lock()
	var user *protocol.UserProfile
	next := StateAnonymous
	if m.cred != nil {
		next = StateAuthenticated
		u := m.cred.User
		user = &u
	}
	m.mu.Unlock()
	m.transition(next, user)
	return failed(e)
}

// Register creates an account and then logs in with the same credentials.
func (m *Manager) Register(ctx context.Context, name, email, password, organization string) Result {
	var resp protocol.RegisterResponse
	status, body, err := m.postJSON(ctx, "/auth/register", "", protocol.RegisterRequest{
		Name:         name,
		Email:        email,
		Password:     password,
		Organization: organization,
	}, &resp)
	if err != nil {
		e := &AuthError{Kind: KindNetwork, Err: err}
		m.logger.Warn("registration failed", "error", e)
		return failed(e)
	}
	if status/100 != 2 {
		e := classify(status, body)
		if e.Kind == KindInvalidCredentials {
			e.Kind = KindUnknown
		}
		m.logger.Warn("registration failed", "kind", e.Kind.String(), "status", status)
		return failed(e)
	}
	if !resp.Success {
		e := &AuthError{Kind: KindUnknown, Status: status, Detail: resp.Message}
		m.logger.Warn("registration rejected", "detail", resp.Message)
		return failed(e)
	}

	m.logger.Info("registration succeeded, logging in", "email", email)
	return m.Login(ctx, email, password)
}

// Refresh exchanges the stored refresh token for a new access token. Any
// failure ends the session and returns ErrUnauthenticated.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, "")
}

// refresh performs one refresh exchange. When stale is set and the current
// token has already moved on (another caller refreshed first), the current
// token is returned without contacting the backend.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	if stale != "" && cred != nil && cred.AccessToken != stale {
		return cred.AccessToken, nil
	}
	if cred == nil || cred.RefreshToken == "" {
		m.endSession(ctx, cred, "no refresh token")
		return "", ErrUnauthenticated
	}

	var resp protocol.RefreshResponse
	status, _, err := m.postJSON(ctx, "/auth/refresh", "", protocol.RefreshRequest{RefreshToken: cred.RefreshToken}, &resp)
	switch {
	case err != nil:
		m.endSession(ctx, cred, "refresh request failed")
		return "", fmt.Errorf("%w: refresh: %v", ErrUnauthenticated, err)
	case status/100 != 2:
		m.endSession(ctx, cred, "refresh rejected")
		return "", fmt.Errorf("%w: refresh rejected with status %d", ErrUnauthenticated, status)
	case resp.AccessToken == "":
		m.endSession(ctx, cred, "refresh response has no access token")
		return "", fmt.Errorf("%w: refresh response has no access token", ErrUnauthenticated)
	}

	next := *cred
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}

	m.commitMu.Lock()
	if !m.current(cred) {
		// The session ended (and maybe a new one began) while the exchange
		// was in flight. The store belongs to whatever holds it now.
		m.commitMu.Unlock()
		m.logger.Debug("discarding refresh for a superseded session", "user_id", cred.User.ID)
		return "", ErrUnauthenticated
	}
	if err := m.store.SwapTokens(ctx, next.AccessToken, resp.RefreshToken); err != nil {
		m.commitMu.Unlock()
		m.endSession(ctx, cred, "persist refreshed token")
		return "", fmt.Errorf("%w: persist refreshed token: %v", ErrUnauthenticated, err)
	}
	m.mu.Lock()
	m.cred = &next
	m.mu.Unlock()
	m.commitMu.Unlock()

	m.logger.Debug("access token refreshed", "user_id", next.User.ID)
	m.broadcastCredential(next)
	return next.AccessToken, nil
}

type retriedKey struct{}

func isRetried(req *http.Request) bool {
	v, _ := req.Context().Value(retriedKey{}).(bool)
	return v
}

// Do sends req with the current access token. A 401 response triggers one
// refresh and one retry with the new token; the retry is never retried again.
// When the refresh fails the session is logged out and the error wraps
// ErrUnauthenticated.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	token := m.AccessToken()
	resp, err := m.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || isRetried(req) {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()

	m.logger.Debug("request unauthorized, refreshing", "method", req.Method, "path", req.URL.Path)
	fresh, err := m.refresh(req.Context(), token)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	return m.send(retry, fresh)
}

func (m *Manager) send(req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// NewRequest builds a request against the backend base URL. Body, when not
// nil, is JSON-encoded.
func (m *Manager) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Profile fetches the current user's profile through Do.
func (m *Manager) Profile(ctx context.Context) (*protocol.UserProfile, error) {
	req, err := m.NewRequest(ctx, http.MethodGet, "/user/profile", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("profile: status %d", resp.StatusCode)
	}
	var user protocol.UserProfile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if user.ID == "" {
		return nil, errors.New("profile has no user id")
	}
	return &user, nil
}

// Logout ends the session. The backend is told on a best-effort basis; local
// state is always cleared. Calling it while anonymous is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	if cred != nil {
		status, _, err := m.postJSON(ctx, "/auth/logout", cred.AccessToken, nil, nil)
		if err != nil || status/100 != 2 {
			m.logger.Debug("backend logout failed, ignoring", "status", status, "error", err)
		}
	}
	return m.clear(ctx, "logout")
}

// current reports whether cred is still the live credential.
func (m *Manager) current(cred *credstore.Credential) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred == cred
}

// clear drops the credential from memory and storage.
func (m *Manager) clear(ctx context.Context, reason string) error {
	m.commitMu.Lock()
	return m.clearLocked(ctx, reason)
}

// endSession clears the session only while cred is still the live
// credential, so a failing refresh never wipes a newer login.
func (m *Manager) endSession(ctx context.Context, cred *credstore.Credential, reason string) {
	m.commitMu.Lock()
	if !m.current(cred) {
		m.commitMu.Unlock()
		return
	}
	if err := m.clearLocked(ctx, reason); err != nil {
		m.logger.Warn("end session", "reason", reason, "error", err)
	}
}

// clearLocked is called with commitMu held and releases it.
func (m *Manager) clearLocked(ctx context.Context, reason string) error {
	m.mu.Lock()
	had := m.cred != nil || m.state != StateAnonymous
	m.cred = nil
	m.mu.Unlock()

	err := m.store.Clear(ctx)
	m.commitMu.Unlock()
	if err != nil {
		err = fmt.Errorf("clear credential: %w", err)
	}
	if !had {
		return err
	}

	m.logger.Info("session ended", "reason", reason)
	m.transition(StateAnonymous, nil)
	if m.bcast != nil {
		m.bcast.PublishType(topicCleared, map[string]string{"reason": reason})
	}
	return err
}

// Restore loads a persisted credential, optimistically adopts it and then
// verifies it against the profile endpoint. It returns nil, nil when nothing
// is stored. A failed verification logs the session out.
func (m *Manager) Restore(ctx context.Context) (*protocol.UserProfile, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	m.transition(StateAuthenticated, &cred.User)

	user, err := m.Profile(ctx)
	if err != nil {
		m.logger.Warn("stored session rejected", "error", err)
		_ = m.clear(ctx, "session verification failed")
		return nil, fmt.Errorf("verify session: %w", err)
	}

	m.commitMu.Lock()
	m.mu.Lock()
	cur := m.cred
	if cur == nil {
		m.mu.Unlock()
		m.commitMu.Unlock()
		return nil, ErrUnauthenticated
	}
	next := *cur
	next.User = *user
	m.cred = &next
	m.mu.Unlock()

	if err := m.store.Save(ctx, next); err != nil {
		m.logger.Warn("persist refreshed user record", "error", err)
	}
	m.commitMu.Unlock()

	m.logger.Info("session restored", "user_id", user.ID)
	m.transition(StateAuthenticated, user)
	m.broadcastCredential(next)
	return user, nil
}

func (m *Manager) transition(state State, user *protocol.UserProfile) {
	m.mu.Lock()
	m.state = state
	fn := m.onState
	m.mu.Unlock()

	if m.bcast != nil {
		ev := StateEvent{State: state}
		if user != nil {
			ev.UserID = user.ID
		}
		m.bcast.PublishType(topicState, ev)
	}
	if fn != nil {
		fn(state, user)
	}
}

func (m *Manager) broadcastCredential(cred credstore.Credential) {
	if m.bcast == nil {
		return
	}
	m.bcast.PublishType(topicCredential, CredentialEvent{AccessToken: cred.AccessToken, User: cred.User})
}

// postJSON sends an unauthenticated-path request directly through the client
// (never through Do) and decodes a 2xx body into out.
func (m *Manager) postJSON(ctx context.Context, path, token string, in, out any) (int, []byte, error) {
	req, err := m.NewRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return 0, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 && out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}
