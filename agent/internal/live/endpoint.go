package live

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Endpoint derives the live channel URL for userID from the backend HTTP base
// address: http becomes ws, https becomes wss, a trailing /api segment is
// dropped and /ws/<userID> is appended.
func Endpoint(base, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("endpoint: empty user id")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint: missing host in %q", base)
	}

	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p + "/ws/" + userID
	u.RawPath = p + "/ws/" + url.PathEscape(userID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 1.5^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
}
