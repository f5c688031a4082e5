package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/phishguard/phishguard/pkg/protocol"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

type account struct {
	profile  protocol.UserProfile
	hash     []byte
	failures int
	lockedAt time.Time
}

type refreshEntry struct {
	userID  string
	expires time.Time
}

// Accounts is an in-memory user directory that issues and verifies tokens.
type Accounts struct {
	secret       []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	rotate       bool
	lockAfter    int
	lockDuration time.Duration
	now          func() time.Time

	mu      sync.Mutex
	byEmail map[string]*account
	refresh map[string]refreshEntry
}

func newAccounts(opts Options) *Accounts {
	return &Accounts{
		secret:       []byte(opts.JWTSecret),
		accessTTL:    opts.AccessTTL,
		refreshTTL:   opts.RefreshTTL,
		rotate:       opts.RotateRefreshTokens,
		lockAfter:    opts.LockAfter,
		lockDuration: opts.LockDuration,
		now:          time.Now,
		byEmail:      make(map[string]*account),
		refresh:      make(map[string]refreshEntry),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account.
func (a *Accounts) Register(req protocol.RegisterRequest) (protocol.UserProfile, error) {
	email := normalizeEmail(req.Email)
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return protocol.UserProfile{}, fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEmail[email]; ok {
		return protocol.UserProfile{}, ErrEmailTaken
	}
	acct := &account{
		profile: protocol.UserProfile{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         strings.TrimSpace(req.Name),
			Organization: strings.TrimSpace(req.Organization),
			Role:         "user",
		},
		hash: hash,
	}
	a.byEmail[email] = acct
	return acct.profile, nil
}

// Authenticate checks a password. Repeated failures lock the account for
// lockDuration.
func (a *Accounts) Authenticate(email, password string) (protocol.UserProfile, error) {
	email = normalizeEmail(email)

	a.mu.Lock()
	acct, ok := a.byEmail[email]
	if !ok {
		a.mu.Unlock()
		return protocol.UserProfile{}, ErrInvalidCredentials
	}
	if !acct.lockedAt.IsZero() {
		if a.now().Sub(acct.lockedAt) < a.lockDuration {
			a.mu.Unlock()
			return protocol.UserProfile{}, ErrAccountLocked
		}
		acct.lockedAt = time.Time{}
		acct.failures = 0
	}
	hash := acct.hash
	a.mu.Unlock()

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		acct.failures++
		if a.lockAfter > 0 && acct.failures >= a.lockAfter {
			acct.lockedAt = a.now()
		}
		return protocol.UserProfile{}, ErrInvalidCredentials
	}
	acct.failures = 0
	return acct.profile, nil
}

// IssueTokens returns a fresh access token and a new opaque refresh token.
func (a *Accounts) IssueTokens(user protocol.UserProfile) (access, refresh string, err error) {
	access, err = a.accessToken(user)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()

	a.mu.Lock()
	a.refresh[refresh] = refreshEntry{userID: user.ID, expires: a.now().Add(a.refreshTTL)}
	a.mu.Unlock()
	return access, refresh, nil
}

func (a *Accounts) accessToken(user protocol.UserProfile) (string, error) {
	now := a.now()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Refresh exchanges a refresh token for a new access token. When rotation is
// enabled the old refresh token is consumed and a new one returned;
// otherwise the returned refresh token is empty.
func (a *Accounts) Refresh(token string) (access, refresh string, err error) {
	a.mu.Lock()
	entry, ok := a.refresh[token]
	if !ok || a.now().After(entry.expires) {
		delete(a.refresh, token)
		a.mu.Unlock()
		return "", "", ErrInvalidToken
	}
	if a.rotate {
		delete(a.refresh, token)
	}
	user, found := a.userByIDLocked(entry.userID)
	a.mu.Unlock()
	if !found {
		return "", "", ErrInvalidToken
	}

	if !a.rotate {
		access, err = a.accessToken(user)
		return access, "", err
	}
	return a.IssueTokens(user)
}

// Revoke drops every refresh token held by userID.
func (a *Accounts) Revoke(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tok, e := range a.refresh {
		if e.userID == userID {
			delete(a.refresh, tok)
		}
	}
}

// Verify validates an access token and returns its claims.
func (a *Accounts) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// User looks up a profile by id.
func (a *Accounts) User(id string) (protocol.UserProfile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userByIDLocked(id)
}

func (a *Accounts) userByIDLocked(id string) (protocol.UserProfile, bool) {
	for _, acct := range a.byEmail {
		if acct.profile.ID == id {
			return acct.profile, true
		}
	}
	return protocol.UserProfile{}, false
}
