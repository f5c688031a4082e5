// Package backend is an in-process stand-in for the PhishGuard backend: the
// REST auth endpoints plus the per-user live WebSocket. It backs the
// phishguard-devhub binary and the agent's end-to-end tests.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/phishguard/phishguard/pkg/protocol"
)

// Options configures a Server. Zero values take the defaults below.
type Options struct {
	JWTSecret           string
	AccessTTL           time.Duration // default 15m
	RefreshTTL          time.Duration // default 7 days
	RotateRefreshTokens bool
	LockAfter           int           // failed logins before lock, default 5
	LockDuration        time.Duration // default 15m
	LoginRate           float64       // login attempts per second per IP, default 5
	LoginBurst          int           // default 10
	Logger              *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.JWTSecret == "" {
		o.JWTSecret = "phishguard-devhub-secret"
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.LockAfter == 0 {
		o.LockAfter = 5
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 15 * time.Minute
	}
	if o.LoginRate <= 0 {
		o.LoginRate = 5
	}
	if o.LoginBurst <= 0 {
		o.LoginBurst = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server serves the backend API.
type Server struct {
	accounts *Accounts
	hub      *Hub
	logger   *slog.Logger
	mux      *chi.Mux
}

// New builds a server with its routes mounted.
func New(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		accounts: newAccounts(opts),
		logger:   opts.Logger.With("component", "devhub"),
	}
	s.hub = newHub(s.logger)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	loginRL := newRateLimiter(opts.LoginRate, opts.LoginBurst)
	mux.Route("/api", func(r chi.Router) {
		r.With(limitByIP(loginRL)).Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/user/profile", s.handleProfile)
		})
	})

	mux.Get("/ws/{userID}", s.handleLiveWS)
	mux.Post("/dev/push/{userID}", s.handleDevPush)

	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Accounts exposes the user directory, e.g. for seeding.
func (s *Server) Accounts() *Accounts { return s.accounts }

// Hub exposes the live connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Push sends a live message to every connection of userID and returns how
// many received it.
func (s *Server) Push(userID string, kind protocol.Kind, data any) (int, error) {
	return s.hub.Push(userID, kind, data)
}

type contextKey string

const claimsKey contextKey = "claims"

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		claims, err := s.accounts.Verify(token)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeValidation(w, "Email and password are required")
		return
	}

	user, err := s.accounts.Authenticate(req.Email, req.Password)
	switch {
	case errors.Is(err, ErrAccountLocked):
		writeDetail(w, http.StatusLocked, "Account temporarily locked")
		return
	case err != nil:
		s.logger.Info("login rejected", "email", normalizeEmail(req.Email))
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	access, refresh, err := s.accounts.IssueTokens(user)
	if err != nil {
		s.logger.Error("issue tokens", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.logger.Info("login", "user_id", user.ID)
	writeJSON(w, http.StatusOK, protocol.LoginResponse{AccessToken: access, RefreshToken: refresh, User: user})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	switch {
	case strings.TrimSpace(req.Name) == "":
		writeValidation(w, "Name is required")
		return
	case !strings.Contains(req.Email, "@"):
		writeValidation(w, "A valid email address is required")
		return
	case len(req.Password) < 8:
		writeValidation(w, "Password must be at least 8 characters")
		return
	}

	user, err := s.accounts.Register(req)
	switch {
	case errors.Is(err, ErrEmailTaken):
		writeDetail(w, http.StatusConflict, "Email already registered")
		return
	case err != nil:
		s.logger.Error("register", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.logger.Info("registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, protocol.RegisterResponse{Success: true, Message: "Account created"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req protocol.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeDetail(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	access, refresh, err := s.accounts.Refresh(req.RefreshToken)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.RefreshResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	s.accounts.Revoke(claims.UserID)
	s.logger.Info("logout", "user_id", claims.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	user, ok := s.accounts.User(claims.UserID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleDevPush accepts {"type": kind, "data": {...}} and relays it to the
// user's live connections.
func (s *Server) handleDevPush(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Inbound
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		writeDetail(w, http.StatusBadRequest, "type is required")
		return
	}
	var data any
	if len(msg.Data) > 0 {
		data = msg.Data
	}
	n, err := s.hub.Push(chi.URLParam(r, "userID"), msg.Type, data)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail})
}

// writeValidation uses the list form of "detail" that validation failures
// carry.
func writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]string{{"msg": msg, "type": "value_error"}},
	})
}
