// Package protocol defines the wire formats exchanged between the PhishGuard
// agent and the backend: the REST auth payloads and the live-update messages
// carried over the per-user WebSocket.
//
// Live messages are JSON objects whose "type" field selects the shape of the
// "data" payload.
package protocol

import (
	"encoding/json"
	"time"
)

// --- REST auth ---

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         UserProfile `json:"user"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

// RegisterResponse is returned by POST /auth/register.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by POST /auth/refresh. RefreshToken is empty
// when the server does not rotate refresh tokens.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ErrorResponse is the error body shape used by the backend. Different
// endpoints populate different fields.
type ErrorResponse struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Text returns the first non-empty description in the body.
func (e ErrorResponse) Text() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Message != "":
		return e.Message
	default:
		return e.Error
	}
}

// UserProfile is returned by GET /user/profile and embedded in login responses.
type UserProfile struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Role         string `json:"role,omitempty"`
}

// --- Live channel: outbound ---

// Outbound message types.
const (
	TypeSubscribe    = "subscribe"
	TypeRequestStats = "request_stats"
	TypePing         = "ping"
)

// DefaultSubscriptions are the topics requested right after connecting.
var DefaultSubscriptions = []string{"all", "statistics", "notifications", "threats"}

// Subscribe asks the backend to stream the given topics.
type Subscribe struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

// Simple is an outbound message with no payload (request_stats, ping).
type Simple struct {
	Type string `json:"type"`
}

// --- Live channel: inbound ---

// Kind identifies an inbound live message.
type Kind string

const (
	KindConnectionEstablished Kind = "connection_established"
	KindStatisticsUpdate      Kind = "statistics_update"
	KindNotification          Kind = "notification"
	KindThreatDetected        Kind = "threat_detected"
	KindScanCompleted         Kind = "scan_completed"
	KindThreatFeedUpdate      Kind = "threat_feed_update"
	KindSystemAlert           Kind = "system_alert"
	KindPong                  Kind = "pong"
	KindError                 Kind = "error"
	KindUnknown               Kind = "unknown"
)

// Known reports whether k is one of the recognised inbound kinds.
func (k Kind) Known() bool {
	switch k {
	case KindConnectionEstablished, KindStatisticsUpdate, KindNotification,
		KindThreatDetected, KindScanCompleted, KindThreatFeedUpdate,
		KindSystemAlert, KindPong, KindError:
		return true
	}
	return false
}

// Inbound is the envelope of every message received on the live channel.
type Inbound struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Statistics is the payload of statistics_update.
type Statistics struct {
	EmailsScanned    int64      `json:"emails_scanned"`
	ThreatsDetected  int64      `json:"threats_detected"`
	PhishingBlocked  int64      `json:"phishing_blocked"`
	SafeEmails       int64      `json:"safe_emails"`
	SuspiciousEmails int64      `json:"suspicious_emails"`
	LastScan         *time.Time `json:"last_scan,omitempty"`
}

// Notification is the payload of notification.
type Notification struct {
	ID        string     `json:"id,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Priority  string     `json:"priority,omitempty"` // "low", "normal", "high"
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ThreatDetected is the payload of threat_detected.
type ThreatDetected struct {
	ID         string     `json:"id,omitempty"`
	Title      string     `json:"title,omitempty"`
	Message    string     `json:"message,omitempty"`
	ThreatType string     `json:"threat_type,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// ScanCompleted is the payload of scan_completed.
type ScanCompleted struct {
	ScanID  string `json:"scan_id,omitempty"`
	Verdict string `json:"verdict,omitempty"`
}

// ThreatFeedUpdate is the payload of threat_feed_update.
type ThreatFeedUpdate struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
	Source      string `json:"source,omitempty"`
}

// SystemAlert is the payload of system_alert.
type SystemAlert struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
}

// ConnectionEstablished is the payload the backend sends after a subscribe.
type ConnectionEstablished struct {
	UserID        string   `json:"user_id,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Priority and severity values with special handling.
const (
	PriorityHigh = "high"
	SeverityHigh = "high"
)

// NewInbound builds an inbound envelope; used by the dev hub and tests.
func NewInbound(kind Kind, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	now := time.Now().UTC()
	return json.Marshal(Inbound{Type: kind, Data: raw, Timestamp: &now})
}
