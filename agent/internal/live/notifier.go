package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
)

// Permission is the user's consent to system-level alerts.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission validates a configured permission value.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	case "":
		return PermissionDefault, nil
	default:
		return "", fmt.Errorf("unknown notification permission %q", s)
	}
}

// Alert is a system-level alert surfaced to the user.
type Alert struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Message            string `json:"message"`
	Priority           string `json:"priority,omitempty"`
	RequireInteraction bool   `json:"require_interaction"` // no auto-dismiss
}

// Notifier surfaces system-level alerts.
type Notifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(a Alert)
}

// BusNotifier raises alerts as eventbus events for attached UIs and writes
// them to the log. Requesting permission grants it unless it was denied.
type BusNotifier struct {
	bus    Broadcaster
	logger *slog.Logger

	mu         sync.Mutex
	permission Permission
}

// NewBusNotifier creates a notifier starting at the given permission. bus may
// be nil.
func NewBusNotifier(bus Broadcaster, initial Permission, logger *slog.Logger) *BusNotifier {
	if initial == "" {
		initial = PermissionDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, permission: initial, logger: logger.With("component", "notifier")}
}

func (n *BusNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *BusNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission == PermissionDefault {
		n.permission = PermissionGranted
		n.logger.Info("notification permission granted")
	}
	return n.permission, nil
}

func (n *BusNotifier) Notify(a Alert) {
	n.logger.Warn("alert", "id", a.ID, "title", a.Title, "message", a.Message, "require_interaction", a.RequireInteraction)
	if n.bus != nil {
		n.bus.PublishType(eventbus.AlertRaised, a)
	}
}

// nopNotifier never has permission and drops alerts.
type nopNotifier struct{}

func (nopNotifier) Permission() Permission { return PermissionDenied }

func (nopNotifier) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, nil
}

func (nopNotifier) Notify(Alert) {}
