// Package ipc exposes the agent's collaborator interface over a Unix socket.
//
// The wire format is JSON Lines: each request and response is one JSON object
// terminated by a newline. Responses carry the request id; events pushed to
// subscribers have type "event" and no id.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phishguard/phishguard/agent/internal/live"
	"github.com/phishguard/phishguard/pkg/protocol"
)

// Methods.
const (
	MethodStatus               = "status"
	MethodNotifications        = "notifications"
	MethodThreatAlerts         = "threat_alerts"
	MethodSend                 = "send"
	MethodRequestStats         = "request_stats"
	MethodMarkNotificationRead = "mark_notification_read"
	MethodMarkThreatRead       = "mark_threat_read"
	MethodClearNotifications   = "clear_notifications"
	MethodConnect              = "connect"
	MethodDisconnect           = "disconnect"
	MethodRequestPermission    = "request_permission"
	MethodSubscribe            = "subscribe"
	MethodLogin                = "login"
	MethodRegister             = "register"
	MethodLogout               = "logout"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is a JSON-Lines request from a local client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is sent back to the client.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"` // "result", "error" or "event"
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error response.
type ErrorData struct {
	Error string `json:"error"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	Version             string                `json:"version"`
	StartedAt           time.Time             `json:"started_at"`
	Uptime              string                `json:"uptime"`
	BackendURL          string                `json:"backend_url"`
	Session             string                `json:"session"`
	User                *protocol.UserProfile `json:"user,omitempty"`
	TokenExpiry         *time.Time            `json:"token_expiry,omitempty"`
	Channel             live.State            `json:"channel"`
	Attempts            int                   `json:"attempts"`
	Permission          live.Permission       `json:"permission"`
	Statistics          *protocol.Statistics  `json:"statistics,omitempty"`
	UnreadNotifications int                   `json:"unread_notifications"`
	UnreadThreatAlerts  int                   `json:"unread_threat_alerts"`
}

// NotificationsResult is returned by the "notifications" method.
type NotificationsResult struct {
	Notifications []live.NotificationRecord `json:"notifications"`
	Unread        int                       `json:"unread"`
}

// ThreatAlertsResult is returned by the "threat_alerts" method.
type ThreatAlertsResult struct {
	ThreatAlerts []live.ThreatAlertRecord `json:"threat_alerts"`
	Unread       int                      `json:"unread"`
}

// IDParams select one record.
type IDParams struct {
	ID string `json:"id"`
}

// SendParams carry a raw outbound live message.
type SendParams struct {
	Message json.RawMessage `json:"message"`
}

// OKResult reports whether an action took effect.
type OKResult struct {
	OK bool `json:"ok"`
}

// PermissionResult is returned by "request_permission".
type PermissionResult struct {
	Permission live.Permission `json:"permission"`
}

// LoginParams are sent with "login".
type LoginParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterParams are sent with "register".
type RegisterParams struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

// AuthResult is returned by "login" and "register". Kind names the failure
// class when Success is false.
type AuthResult struct {
	Success bool                  `json:"success"`
	User    *protocol.UserProfile `json:"user,omitempty"`
	Error   string                `json:"error,omitempty"`
	Kind    string                `json:"kind,omitempty"`
}

// SubscribeParams are sent with the "subscribe" method.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event wraps an event bus event for IPC transport.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Provider is the agent state and actions the server exposes.
type Provider interface {
	Status() StatusResult
	Snapshot() live.Snapshot
	Send(msg json.RawMessage) bool
	RequestStatistics() bool
	MarkNotificationRead(id string) bool
	MarkThreatAlertRead(id string) bool
	ClearNotifications()
	Connect()
	Disconnect()
	RequestNotificationPermission(ctx context.Context) (live.Permission, error)
	Login(ctx context.Context, email, password string) AuthResult
	Register(ctx context.Context, p RegisterParams) AuthResult
	Logout(ctx context.Context) error
}
