package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phishguard/phishguard/agent/internal/credstore"
	"github.com/phishguard/phishguard/pkg/protocol"
)

// stubBackend is a scriptable auth backend.
type stubBackend struct {
	t *testing.T

	mu            sync.Mutex
	loginStatus   int
	loginBody     string
	refreshStatus int
	refreshBody   string
	profileValid  map[string]bool // access tokens accepted by /user/profile
	logoutStatus  int

	loginCalls    atomic.Int32
	refreshCalls  atomic.Int32
	profileCalls  atomic.Int32
	logoutCalls   atomic.Int32
	registerCalls atomic.Int32
	registerCode  int
	lastAuth      atomic.Value // string
}

func newStubBackend(t *testing.T) (*stubBackend, *httptest.Server) {
	t.Helper()
	b := &stubBackend{
		t:             t,
		loginStatus:   http.StatusOK,
		loginBody:     `{"access_token":"access-1","refresh_token":"refresh-1","user":{"id":"u-1","email":"ada@example.com","name":"Ada"}}`,
		refreshStatus: http.StatusOK,
		refreshBody:   `{"access_token":"access-2"}`,
		profileValid:  map[string]bool{"access-1": true, "access-2": true},
		logoutStatus:  http.StatusOK,
		registerCode:  http.StatusCreated,
	}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *stubBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.lastAuth.Store(r.Header.Get("Authorization"))
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.URL.Path {
	case "/api/auth/login":
		b.loginCalls.Add(1)
		var req protocol.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email == "" {
			b.t.Errorf("login without email")
		}
		w.WriteHeader(b.loginStatus)
		_, _ = io.WriteString(w, b.loginBody)
	case "/api/auth/register":
		b.registerCalls.Add(1)
		w.WriteHeader(b.registerCode)
		if b.registerCode/100 == 2 {
			_, _ = io.WriteString(w, `{"success":true}`)
		} else {
			_, _ = io.WriteString(w, `{"detail":"duplicate"}`)
		}
	case "/api/auth/refresh":
		b.refreshCalls.Add(1)
		var req protocol.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken == "" {
			b.t.Errorf("refresh without refresh token")
		}
		w.WriteHeader(b.refreshStatus)
		_, _ = io.WriteString(w, b.refreshBody)
	case "/api/user/profile":
		b.profileCalls.Add(1)
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !b.profileValid[tok] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"id":"u-1","email":"ada@example.com","name":"Ada Lovelace"}`)
	case "/api/auth/logout":
		b.logoutCalls.Add(1)
		w.WriteHeader(b.logoutStatus)
	default:
		http.NotFound(w, r)
	}
}

func (b *stubBackend) set(fn func(b *stubBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	topics []string
	data   []any
}

func (r *recordingBroadcaster) PublishType(topic string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.data = append(r.data, data)
}

func (r *recordingBroadcaster) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) *credstore.SQLiteStore {
	t.Helper()
	s, err := credstore.NewSQLite(filepath.Join(t.TempDir(), "cred.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, baseURL string, store credstore.Store) (*Manager, *recordingBroadcaster) {
	t.Helper()
	bc := &recordingBroadcaster{}
	m := NewManager(Options{
		BaseURL:     baseURL + "/api",
		Client:      &http.Client{Timeout: 5 * time.Second},
		Store:       store,
		Broadcaster: bc,
		Logger:      testLogger(),
	})
	return m, bc
}

func TestLogin_Success(t *testing.T) {
	backend, srv := newStubBackend(t)
	store := newTestStore(t)
	m, bc := newTestManager(t, srv.URL, store)

	res := m.Login(context.Background(), "ada@example.com", "pw")
	if !res.Success {
		t.Fatalf("login failed: %s", res.Error)
	}
	if res.User == nil || res.User.ID != "u-1" {
		t.Fatalf("user = %+v", res.User)
	}
	if res.AccessToken != "access-1" {
		t.Errorf("access token = %q", res.AccessToken)
	}
	if m.State() != StateAuthenticated {
		t.Errorf("state = %s", m.State())
	}

	cred, err := store.Load(context.Background())
	if err != nil || cred == nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Errorf("persisted tokens = %q / %q", cred.AccessToken, cred.RefreshToken)
	}

	if m.AuthHeader() != "Bearer access-1" {
		t.Errorf("auth header = %q", m.AuthHeader())
	}
	if _, err := m.Profile(context.Background()); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if got := backend.lastAuth.Load(); got != "Bearer access-1" {
		t.Errorf("authenticated call carried %q", got)
	}
	if bc.count(topicCredential) != 1 {
		t.Errorf("credential broadcasts = %d", bc.count(topicCredential))
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	backend, srv := newStubBackend(t)
	backend.set(func(b *stubBackend) {
		b.loginStatus = http.StatusUnauthorized
		b.loginBody = `{"detail":"bad"}`
	})
	store := newTestStore(t)
	m, _ := newTestManager(t, srv.URL, store)

	res := m.Login(context.Background(), "ada@example.com", "wrong")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Invalid email or password." {
		t.Errorf("error = %q", res.Error)
	}
	if res.Err.Kind != KindInvalidCredentials {
		t.Errorf("kind = %s", res.Err.Kind)
	}
	if m.State() != StateAnonymous {
		t.Errorf("state = %s", m.State())
	}
	if cred, _ := store.Load(context.Background()); cred != nil {
		t.Errorf("credential persisted on failure: %+v", cred)
	}
	if backend.refreshCalls.Load() != 0 {
		t.Error("login 401 must not trigger a refresh")
	}
}

func TestLogin_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   ErrorKind
		msg    string
	}{
		{http.StatusLocked, `{}`, KindAccountLocked, "Account is locked. Please contact support."},
		{http.StatusTooManyRequests, ``, KindRateLimited, "Too many login attempts. Please try again later."},
		{http.StatusUnprocessableEntity, `{"detail":[{"msg":"email is malformed"}]}`, KindValidation, "email is malformed"},
		{http.StatusBadRequest, `{"message":"password too short"}`, KindValidation, "password too short"},
		{http.StatusInternalServerError, `oops`, KindUnknown, "Request failed. Please try again."},
	}
	for _, tt := range tests {
		backend, srv := newStubBackend(t)
		backend.set(func(b *stubBackend) {
			b.loginStatus = tt.status
			b.loginBody = tt.body
		})
		m, _ := newTestManager(t, srv.URL, newTestStore(t))

		res := m.Login(context.Background(), "ada@example.com", "pw")
		if res.Success {
			t.Fatalf("status %d: expected failure", tt.status)
		}
		if res.Err.Kind != tt.kind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, res.Err.Kind, tt.kind)
		}
		if res.Error != tt.msg {
			t.Errorf("status %d: message = %q, want %q", tt.status, res.Error, tt.msg)
		}
	}
}

func TestLogin_NetworkError(t *testing.T) {
	_, srv := newStubBackend(t)
	url := srv.URL
	srv.Close()

	m, _ := newTestManager(t, url, newTestStore(t))
	res := m.Login(context.Background(), "ada@example.com", "pw")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Kind != KindNetwork {
		t.Errorf("kind = %s", res.Err.Kind)
	}
}

func TestRegister_ChainsIntoLogin(t *testing.T) {
	backend, srv := newStubBackend(t)
	m, _ := newTestManager(t, srv.URL, newTestStore(t))

	res := m.Register(context.Background(), "Ada", "ada@example.com", "pw", "Analytical")
	if !res.Success {
		t.Fatalf("register failed: %s", res.Error)
	}
	if backend.registerCalls.Load() != 1 || backend.loginCalls.Load() != 1 {
		t.Errorf("register=%d login=%d", backend.registerCalls.Load(), backend.loginCalls.Load())
	}
	if m.State() != StateAuthenticated {
		t.Errorf("state = %s", m.State())
	}
}

func TestRegister_Conflict(t *testing.T) {
	backend, srv := newStubBackend(t)
	backend.set(func(b *stubBackend) { b.registerCode = http.StatusConflict })
	m, _ := newTestManager(t, srv.URL, newTestStore(t))

	res := m.Register(context.Background(), "Ada", "ada@example.com", "pw", "")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Kind != KindEmailTaken {
		t.Errorf("kind = %s", res.Err.Kind)
	}
	if backend.loginCalls.Load() != 0 {
		t.Error("failed registration must not log in")
	}
}

func TestDo_RefreshesOnceAndRetries(t *testing.T) {
	backend, srv := newStubBackend(t)
	store := newTestStore(t)
	m, _ := newTestManager(t, srv.URL, store)

	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}
	// access-1 expires server-side.
	backend.set(func(b *stubBackend) { delete(b.profileValid, "access-1") })

	user, err := m.Profile(context.Background())
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if user.Name != "Ada Lovelace" {
		t.Errorf("user = %+v", user)
	}
	if backend.refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", backend.refreshCalls.Load())
	}
	if backend.profileCalls.Load() != 2 {
		t.Errorf("profile calls = %d, want 2", backend.profileCalls.Load())
	}
	if m.AccessToken() != "access-2" {
		t.Errorf("access token = %q", m.AccessToken())
	}
	cred, _ := store.Load(context.Background())
	if cred.AccessToken != "access-2" || cred.RefreshToken != "refresh-1" {
		t.Errorf("persisted = %q / %q", cred.AccessToken, cred.RefreshToken)
	}
}

func TestDo_RetriedRequestIsNotRetriedAgain(t *testing.T) {
	backend, srv := newStubBackend(t)
	m, _ := newTestManager(t, srv.URL, newTestStore(t))
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}
	// Refresh succeeds but the new token is rejected too.
	backend.set(func(b *stubBackend) { b.profileValid = map[string]bool{} })

	req, _ := m.NewRequest(context.Background(), http.MethodGet, "/user/profile", nil)
	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if backend.refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", backend.refreshCalls.Load())
	}
	if backend.profileCalls.Load() != 2 {
		t.Errorf("profile calls = %d, want 2", backend.profileCalls.Load())
	}
}

func TestDo_RefreshFailureLogsOut(t *testing.T) {
	backend, srv := newStubBackend(t)
	store := newTestStore(t)
	m, bc := newTestManager(t, srv.URL, store)
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}
	backend.set(func(b *stubBackend) {
		b.profileValid = map[string]bool{}
		b.refreshStatus = http.StatusUnauthorized
		b.refreshBody = `{"detail":"expired"}`
	})

	_, err := m.Profile(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if m.State() != StateAnonymous {
		t.Errorf("state = %s", m.State())
	}
	if cred, _ := store.Load(context.Background()); cred != nil {
		t.Errorf("credential survived failed refresh: %+v", cred)
	}
	if bc.count(topicCleared) != 1 {
		t.Errorf("cleared broadcasts = %d", bc.count(topicCleared))
	}
	if backend.profileCalls.Load() != 1 {
		t.Errorf("profile calls = %d, want 1", backend.profileCalls.Load())
	}
}

func TestDo_RetryResendsBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			_, _ = io.WriteString(w, `{"access_token":"fresh"}`)
		case "/api/reports":
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(data))
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	if err := store.Save(context.Background(), credstore.Credential{
		AccessToken: "stale", RefreshToken: "r", User: protocol.UserProfile{ID: "u-1"},
	}); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestManager(t, srv.URL, store)
	m.cred, _ = store.Load(context.Background())
	m.state = StateAuthenticated

	req, _ := m.NewRequest(context.Background(), http.MethodPost, "/reports", map[string]string{"email_id": "e-1"})
	resp, err := m.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] == "" {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestRefresh_WithoutRefreshToken(t *testing.T) {
	backend, srv := newStubBackend(t)
	backend.set(func(b *stubBackend) {
		b.loginBody = `{"access_token":"access-1","user":{"id":"u-1"}}`
	})
	m, _ := newTestManager(t, srv.URL, newTestStore(t))
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if backend.refreshCalls.Load() != 0 {
		t.Error("refresh endpoint should not be called without a refresh token")
	}
	if m.State() != StateAnonymous {
		t.Errorf("state = %s", m.State())
	}
}

func TestRefresh_AmbiguousResponseIsFailure(t *testing.T) {
	backend, srv := newStubBackend(t)
	m, _ := newTestManager(t, srv.URL, newTestStore(t))
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}
	backend.set(func(b *stubBackend) { b.refreshBody = `{"refresh_token":"only-this"}` })

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if m.AccessToken() != "" {
		t.Error("token should be cleared")
	}
}

func TestRefresh_RotatesRefreshToken(t *testing.T) {
	backend, srv := newStubBackend(t)
	store := newTestStore(t)
	m, _ := newTestManager(t, srv.URL, store)
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}
	backend.set(func(b *stubBackend) { b.refreshBody = `{"access_token":"access-9","refresh_token":"refresh-9"}` })

	tok, err := m.Refresh(context.Background())
	if err != nil || tok != "access-9" {
		t.Fatalf("refresh = %q, %v", tok, err)
	}
	cred, _ := store.Load(context.Background())
	if cred.RefreshToken != "refresh-9" || cred.User.ID != "u-1" {
		t.Errorf("persisted = %+v", cred)
	}
}

func TestRefresh_SkipsWhenTokenAlreadyRotated(t *testing.T) {
	backend, srv := newStubBackend(t)
	m, _ := newTestManager(t, srv.URL, newTestStore(t))
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}

	tok, err := m.refresh(context.Background(), "some-older-token")
	if err != nil || tok != "access-1" {
		t.Fatalf("refresh = %q, %v", tok, err)
	}
	if backend.refreshCalls.Load() != 0 {
		t.Errorf("refresh calls = %d", backend.refreshCalls.Load())
	}
}

func TestLogout_Idempotent(t *testing.T) {
	backend, srv := newStubBackend(t)
	backend.set(func(b *stubBackend) { b.logoutStatus = http.StatusInternalServerError })
	store := newTestStore(t)
	m, bc := newTestManager(t, srv.URL, store)
	if res := m.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}

	for i := 0; i < 2; i++ {
		if err := m.Logout(context.Background()); err != nil {
			t.Fatalf("logout #%d: %v", i+1, err)
		}
		if m.State() != StateAnonymous || m.AccessToken() != "" || m.AuthHeader() != "" {
			t.Fatalf("logout #%d left state %s token %q", i+1, m.State(), m.AccessToken())
		}
	}
	if backend.logoutCalls.Load() != 1 {
		t.Errorf("backend logout calls = %d, want 1", backend.logoutCalls.Load())
	}
	if bc.count(topicCleared) != 1 {
		t.Errorf("cleared broadcasts = %d, want 1", bc.count(topicCleared))
	}
	if cred, _ := store.Load(context.Background()); cred != nil {
		t.Errorf("credential survived logout: %+v", cred)
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	_, srv := newStubBackend(t)
	store := newTestStore(t)

	first, _ := newTestManager(t, srv.URL, store)
	if res := first.Login(context.Background(), "ada@example.com", "pw"); !res.Success {
		t.Fatal(res.Error)
	}

	second, bc := newTestManager(t, srv.URL, store)
	var states []State
	second.SetStateChangeHandler(func(s State, _ *protocol.UserProfile) { states = append(states, s) })

	user, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if user == nil || user.ID != first.User().ID {
		t.Fatalf("user = %+v", user)
	}
	if second.State() != StateAuthenticated || second.AccessToken() != first.AccessToken() {
		t.Errorf("restored state %s token %q", second.State(), second.AccessToken())
	}
	if second.User().Name != "Ada Lovelace" {
		t.Errorf("user record not refreshed from profile: %+v", second.User())
	}
	if bc.count(topicCredential) != 1 {
		t.Errorf("credential broadcasts = %d", bc.count(topicCredential))
	}
	if len(states) == 0 || states[len(states)-1] != StateAuthenticated {
		t.Errorf("states = %v", states)
	}
}

func TestRestore_Nothing(t *testing.T) {
	backend, srv := newStubBackend(t)
	m, _ := newTestManager(t, srv.URL, newTestStore(t))

	user, err := m.Restore(context.Background())
	if err != nil || user != nil {
		t.Fatalf("restore = %+v, %v", user, err)
	}
	if m.State() != StateAnonymous {
		t.Errorf("state = %s", m.State())
	}
	if backend.profileCalls.Load() != 0 {
		t.Error("profile endpoint should not be called")
	}
}

func TestRestore_VerificationFailureLogsOut(t *testing.T) {
	backend, srv := newStubBackend(t)
	store := newTestStore(t)
	if err := store.Save(context.Background(), credstore.Credential{
		AccessToken: "revoked", RefreshToken: "revoked-refresh", User: protocol.UserProfile{ID: "u-1"},
	}); err != nil {
		t.Fatal(err)
	}
	backend.set(func(b *stubBackend) { b.refreshStatus = http.StatusUnauthorized })

	m, _ := newTestManager(t, srv.URL, store)
	var states []State
	m.SetStateChangeHandler(func(s State, _ *protocol.UserProfile) { states = append(states, s) })

	if _, err := m.Restore(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if m.State() != StateAnonymous {
		t.Errorf("state = %s", m.State())
	}
	if cred, _ := store.Load(context.Background()); cred != nil {
		t.Errorf("credential survived: %+v", cred)
	}
	if len(states) != 2 || states[0] != StateAuthenticated || states[1] != StateAnonymous {
		t.Errorf("states = %v", states)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, "http://unused", newTestStore(t))
	if _, ok := m.TokenExpiry(); ok {
		t.Error("anonymous manager should report no expiry")
	}

	m.cred = &credstore.Credential{AccessToken: signed}
	got, ok := m.TokenExpiry()
	if !ok || !got.Equal(exp) {
		t.Errorf("expiry = %v, %v; want %v", got, ok, exp)
	}

	m.cred = &credstore.Credential{AccessToken: "opaque"}
	if _, ok := m.TokenExpiry(); ok {
		t.Error("opaque token should report no expiry")
	}
}

// gatedDoer answers auth calls in-process and holds /auth/refresh until
// release is closed.
type gatedDoer struct {
	refreshStatus int
	entered       chan struct{}
	release       chan struct{}
}

func newGatedDoer(refreshStatus int) *gatedDoer {
	return &gatedDoer{refreshStatus: refreshStatus, entered: make(chan struct{}), release: make(chan struct{})}
}

func (d *gatedDoer) Do(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	switch req.URL.Path {
	case "/api/auth/login":
		var in protocol.LoginRequest
		_ = json.NewDecoder(req.Body).Decode(&in)
		if in.Email == "bob@example.com" {
			_, _ = io.WriteString(rec, `{"access_token":"access-B","refresh_token":"refresh-B","user":{"id":"u-2","email":"bob@example.com","name":"Bob"}}`)
		} else {
			_, _ = io.WriteString(rec, `{"access_token":"access-A","refresh_token":"refresh-A","user":{"id":"u-1","email":"ada@example.com","name":"Ada"}}`)
		}
	case "/api/auth/refresh":
		close(d.entered)
		<-d.release
		rec.WriteHeader(d.refreshStatus)
		_, _ = io.WriteString(rec, `{"access_token":"access-A2","refresh_token":"refresh-A2"}`)
	case "/api/auth/logout":
		rec.WriteHeader(http.StatusOK)
	default:
		rec.WriteHeader(http.StatusNotFound)
	}
	return rec.Result(), nil
}

func TestRefresh_InFlightDoesNotTouchNewerSession(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
	}{
		{"refresh succeeds", http.StatusOK},
		{"refresh rejected", http.StatusUnauthorized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			doer := newGatedDoer(tc.status)
			store := newTestStore(t)
			m := NewManager(Options{BaseURL: "http://backend.test/api", Client: doer, Store: store, Logger: testLogger()})

			if res := m.Login(ctx, "ada@example.com", "pw"); !res.Success {
				t.Fatal(res.Error)
			}

			done := make(chan error, 1)
			go func() {
				_, err := m.Refresh(ctx)
				done <- err
			}()
			<-doer.entered

			if err := m.Logout(ctx); err != nil {
				t.Fatal(err)
			}
			if res := m.Login(ctx, "bob@example.com", "pw"); !res.Success {
				t.Fatal(res.Error)
			}
			close(doer.release)

			if err := <-done; !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("superseded refresh err = %v", err)
			}

			if m.State() != StateAuthenticated || m.AccessToken() != "access-B" {
				t.Errorf("in memory: state=%s token=%q", m.State(), m.AccessToken())
			}
			cred, err := store.Load(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if cred == nil || cred.AccessToken != "access-B" || cred.RefreshToken != "refresh-B" || cred.User.ID != "u-2" {
				t.Errorf("persisted = %+v", cred)
			}
		})
	}
}
