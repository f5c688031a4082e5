// Package live maintains the agent's persistent WebSocket connection to the
// backend and folds the messages it carries into bounded, observable state.
//
// A Channel holds at most one connection. It subscribes after connecting,
// sends a heartbeat while connected and reconnects with exponential backoff
// up to a fixed number of attempts. Every dial gets a new generation; reads,
// timers and dial results belonging to an older generation are discarded.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
	"github.com/phishguard/phishguard/pkg/protocol"
)

// ErrNotConnected is returned by SendJSON when the channel is not open.
var ErrNotConnected = errors.New("live channel not connected")

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateError        State = "error"
)

// Broadcaster receives one-way notifications. *eventbus.Bus satisfies it.
type Broadcaster interface {
	PublishType(eventType string, data any)
}

// TokenSource supplies the bearer token attached to the dial request.
type TokenSource interface {
	AccessToken() string
}

// StateEvent is published on every state change.
type StateEvent struct {
	State    State  `json:"state"`
	UserID   string `json:"user_id,omitempty"`
	Attempts int    `json:"attempts"`
}

// Snapshot is a consistent copy of the channel's observable state.
type Snapshot struct {
	State               State                `json:"state"`
	UserID              string               `json:"user_id,omitempty"`
	Attempts            int                  `json:"attempts"`
	Statistics          *protocol.Statistics `json:"statistics,omitempty"`
	StatisticsRaw       json.RawMessage      `json:"statistics_raw,omitempty"`
	Notifications       []NotificationRecord `json:"notifications"`
	ThreatAlerts        []ThreatAlertRecord  `json:"threat_alerts"`
	UnreadNotifications int                  `json:"unread_notifications"`
	UnreadThreatAlerts  int                  `json:"unread_threat_alerts"`
}

// Options configures a Channel. Zero values get defaults.
type Options struct {
	BaseURL              string // backend HTTP base address
	Dialer               Dialer
	Clock                Clock
	Notifier             Notifier
	Tokens               TokenSource
	Broadcaster          Broadcaster
	Logger               *slog.Logger
	ReconnectInterval    time.Duration // default 3s
	MaxReconnectAttempts int           // default 5
	HeartbeatInterval    time.Duration // default 30s
}

// Channel is the live update channel.
type Channel struct {
	baseURL     string
	dialer      Dialer
	clock       Clock
	notifier    Notifier
	tokens      TokenSource
	bcast       Broadcaster
	logger      *slog.Logger
	base        time.Duration
	maxAttempts int
	heartbeat   time.Duration

	mu             sync.Mutex
	state          State
	userID         string
	attempts       int
	gen            uint64
	conn           Conn
	cancelDial     context.CancelFunc
	reconnectTimer Timer
	pingTimer      Timer
	stats          *protocol.Statistics
	statsRaw       json.RawMessage
	notifications  *Feed[NotificationRecord]
	alerts         *Feed[ThreatAlertRecord]
	lastID         int64
	onState        func(State)

	// fx holds side effects queued while mu is held; unlock runs them.
	fx []func()
}

// New creates a disconnected channel.
func New(opts Options) *Channel {
	c := &Channel{
		baseURL:       opts.BaseURL,
		dialer:        opts.Dialer,
		clock:         opts.Clock,
		notifier:      opts.Notifier,
		tokens:        opts.Tokens,
		bcast:         opts.Broadcaster,
		logger:        opts.Logger,
		base:          opts.ReconnectInterval,
		maxAttempts:   opts.MaxReconnectAttempts,
		heartbeat:     opts.HeartbeatInterval,
		state:         StateDisconnected,
		notifications: NewFeed[NotificationRecord](NotificationLimit),
		alerts:        NewFeed[ThreatAlertRecord](ThreatAlertLimit),
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{}
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "live")
	if c.base <= 0 {
		c.base = 3 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.heartbeat <= 0 {
		c.heartbeat = 30 * time.Second
	}
	return c
}

// SetStateChangeHandler installs fn as the state change callback.
func (c *Channel) SetStateChangeHandler(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempt counter.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Snapshot returns a copy of the channel's state and buffers.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:               c.state,
		UserID:              c.userID,
		Attempts:            c.attempts,
		StatisticsRaw:       append(json.RawMessage(nil), c.statsRaw...),
		Notifications:       c.notifications.Items(),
		ThreatAlerts:        c.alerts.Items(),
		UnreadNotifications: c.notifications.UnreadCount(),
		UnreadThreatAlerts:  c.alerts.UnreadCount(),
	}
	if c.stats != nil {
		st := *c.stats
		s.Statistics = &st
	}
	return s
}

// Bind sets the user identity the channel serves. A new non-empty identity
// closes any existing connection before connecting for the new one; an empty
// identity disconnects.
func (c *Channel) Bind(userID string) {
	c.mu.Lock()
	if userID == c.userID {
		c.mu.Unlock()
		return
	}
	c.logger.Info("binding identity", "user_id", userID, "previous", c.userID)
	c.disconnectLocked("identity changed")
	c.userID = userID
	c.statsRaw = nil
	c.stats = nil
	c.notifications.Clear()
	c.alerts.Clear()
	if userID != "" {
		c.dialLocked()
	}
	c.unlock()
}

// Connect opens the connection for the bound identity. It is a no-op without
// an identity or while a connection is open or being opened. Calling it
// resets the reconnect attempt counter.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.userID == "" {
		c.mu.Unlock()
		c.logger.Debug("connect skipped: no user identity")
		return
	}
	c.attempts = 0
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopTimer(&c.reconnectTimer)
	c.dialLocked()
	c.unlock()
}

// Disconnect closes the connection with a normal-closure code, cancels any
// pending reconnect and resets the attempt counter. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.disconnectLocked("client disconnect")
	c.unlock()
}

func (c *Channel) disconnectLocked(reason string) {
	c.gen++
	c.stopTimer(&c.reconnectTimer)
	c.stopTimer(&c.pingTimer)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if conn := c.conn; conn != nil {
		c.conn = nil
		c.fx = append(c.fx, func() {
			if err := conn.Close(websocket.CloseNormalClosure, reason); err != nil {
				c.logger.Debug("close connection", "error", err)
			}
		})
	}
	c.attempts = 0
	c.setState(StateDisconnected)
}

// Send transmits msg as JSON. It reports false, without queuing, when the
// connection is not open or the write fails.
func (c *Channel) Send(msg any) bool {
	return c.SendJSON(msg) == nil
}

// SendJSON is Send with the failure reason.
func (c *Channel) SendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.mu.Lock()
	defer c.unlock()
	return c.writeLocked(data)
}

// RequestStatistics asks the backend for a fresh statistics snapshot.
func (c *Channel) RequestStatistics() bool {
	return c.Send(protocol.Simple{Type: protocol.TypeRequestStats})
}

// MarkNotificationRead clears the unread flag of one notification.
func (c *Channel) MarkNotificationRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications.MarkRead(id)
}

// MarkThreatAlertRead clears the unread flag of one threat alert.
func (c *Channel) MarkThreatAlertRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts.MarkRead(id)
}

// ClearNotifications empties the notification buffer.
func (c *Channel) ClearNotifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications.Clear()
}

// RequestNotificationPermission asks the notifier for alert permission.
func (c *Channel) RequestNotificationPermission(ctx context.Context) (Permission, error) {
	return c.notifier.RequestPermission(ctx)
}

// NotificationPermission returns the notifier's current permission.
func (c *Channel) NotificationPermission() Permission {
	return c.notifier.Permission()
}

// unlock releases mu and runs the side effects queued while it was held.
func (c *Channel) unlock() {
	fx := c.fx
	c.fx = nil
	c.mu.Unlock()
	for _, f := range fx {
		f()
	}
}

func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	ev := StateEvent{State: s, UserID: c.userID, Attempts: c.attempts}
	fn := c.onState
	c.fx = append(c.fx, func() {
		if c.bcast != nil {
			c.bcast.PublishType(eventbus.ChannelState, ev)
		}
		if fn != nil {
			fn(s)
		}
	})
}

func (c *Channel) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Channel) publish(topic string, data any) {
	if c.bcast == nil {
		return
	}
	c.fx = append(c.fx, func() { c.bcast.PublishType(topic, data) })
}

func (c *Channel) writeLocked(data []byte) error {
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(data); err != nil {
		c.logger.Warn("write failed", "error", err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Channel) writeJSONLocked(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encode outbound message", "error", err)
		return
	}
	_ = c.writeLocked(data)
}

// dialLocked starts a dial for a new generation.
func (c *Channel) dialLocked() {
	url, err := Endpoint(c.baseURL, c.userID)
	if err != nil {
		c.logger.Error("cannot derive live endpoint", "error", err)
		c.setState(StateFailed)
		return
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	header := http.Header{}
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	c.setState(StateConnecting)
	c.logger.Info("connecting", "url", url, "attempt", c.attempts)
	// Queued so that closing a previous connection runs first.
	c.fx = append(c.fx, func() { go c.dial(ctx, gen, url, header) })
}

func (c *Channel) dial(ctx context.Context, gen uint64, url string, header http.Header) {
	conn, err := c.dialer.Dial(ctx, url, header)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.logger.Warn("connection failed", "error", err)
		c.setState(StateError)
		c.closedLocked(websocket.CloseAbnormalClosure)
		c.unlock()
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setState(StateConnected)
	c.logger.Info("connected", "user_id", c.userID)
	c.writeJSONLocked(protocol.Subscribe{Type: protocol.TypeSubscribe, Subscriptions: protocol.DefaultSubscriptions})
	c.writeJSONLocked(protocol.Simple{Type: protocol.TypeRequestStats})
	c.armHeartbeatLocked(gen)
	c.unlock()

	go c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, conn, err)
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.handleLocked(data)
		c.unlock()
	}
}

// lost handles the end of a connection not initiated by Disconnect.
func (c *Channel) lost(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	code := closeCode(err)
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		c.logger.Warn("connection error", "error", err)
		c.setState(StateError)
	} else {
		c.logger.Info("connection closed", "code", ce.Code, "reason", ce.Text)
	}
	c.conn = nil
	c.stopTimer(&c.pingTimer)
	c.fx = append(c.fx, func() { _ = conn.Close(websocket.CloseNormalClosure, "") })
	c.closedLocked(code)
	c.unlock()
}

// closedLocked applies the reconnect policy after a connection ends.
func (c *Channel) closedLocked(code int) {
	c.setState(StateDisconnected)
	if code == websocket.CloseNormalClosure {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("giving up after max reconnect attempts", "attempts", c.attempts)
		c.setState(StateFailed)
		return
	}
	c.attempts++
	delay := Backoff(c.base, c.attempts)
	gen := c.gen
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "max", c.maxAttempts, "delay", delay)
	c.setState(StateReconnecting)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.dialLocked()
	c.unlock()
}

func (c *Channel) armHeartbeatLocked(gen uint64) {
	c.pingTimer = c.clock.AfterFunc(c.heartbeat, func() { c.beat(gen) })
}

func (c *Channel) beat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.writeJSONLocked(protocol.Simple{Type: protocol.TypePing})
	c.armHeartbeatLocked(gen)
	c.unlock()
}

// nextID returns a millisecond timestamp id, strictly increasing.
func (c *Channel) nextID() string {
	id := c.clock.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return strconv.FormatInt(id, 10)
}

func (c *Channel) stamp(ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return c.clock.Now()
}

// handleLocked dispatches one inbound message.
func (c *Channel) handleLocked(data []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.logger.Warn("malformed message dropped", "error", err)
		return
	}

	decode := func(v any) bool {
		if len(in.Data) == 0 {
			return true
		}
		if err := json.Unmarshal(in.Data, v); err != nil {
			c.logger.Warn("malformed payload dropped", "type", string(in.Type), "error", err)
			return false
		}
		return true
	}

	switch in.Type {
	case protocol.KindConnectionEstablished:
		var p protocol.ConnectionEstablished
		if decode(&p) {
			c.logger.Info("subscription confirmed", "subscriptions", p.Subscriptions)
		}

	case protocol.KindStatisticsUpdate:
		var s protocol.Statistics
		if !decode(&s) {
			return
		}
		c.stats = &s
		c.statsRaw = append(json.RawMessage(nil), in.Data...)
		c.publish(eventbus.StatsUpdated, s)

	case protocol.KindNotification:
		var n protocol.Notification
		if !decode(&n) {
			return
		}
		rec := NotificationRecord{
			ID:        n.ID,
			Title:     n.Title,
			Message:   n.Message,
			Timestamp: c.stamp(n.Timestamp, in.Timestamp),
			Priority:  n.Priority,
			IsNew:     true,
		}
		if rec.ID == "" {
			rec.ID = c.nextID()
		}
		c.notifications.Push(rec)
		c.publish(eventbus.NotificationReceived, rec)
		if rec.Priority == protocol.PriorityHigh {
			c.fx = append(c.fx, func() {
				if c.notifier.Permission() == PermissionGranted {
					c.notifier.Notify(Alert{ID: rec.ID, Title: rec.Title, Message: rec.Message, Priority: rec.Priority})
				}
			})
		}

	case protocol.KindThreatDetected:
		var t protocol.ThreatDetected
		if !decode(&t) {
			return
		}
		rec := ThreatAlertRecord{
			ID:         t.ID,
			Title:      t.Title,
			Message:    t.Message,
			Timestamp:  c.stamp(t.Timestamp, in.Timestamp),
			Priority:   protocol.PriorityHigh,
			Severity:   t.Severity,
			ThreatType: t.ThreatType,
			Sender:     t.Sender,
			Subject:    t.Subject,
			IsNew:      true,
		}
		if rec.ID == "" {
			rec.ID = c.nextID()
		}
		if rec.Title == "" {
			rec.Title = "Threat detected"
		}
		if rec.Message == "" && rec.Subject != "" {
			rec.Message = fmt.Sprintf("Suspicious email from %s: %s", rec.Sender, rec.Subject)
		}
		c.alerts.Push(rec)
		c.publish(eventbus.ThreatDetected, rec)
		c.fx = append(c.fx, func() {
			c.notifier.Notify(Alert{ID: rec.ID, Title: rec.Title, Message: rec.Message, Priority: rec.Priority, RequireInteraction: true})
		})

	case protocol.KindScanCompleted:
		c.writeJSONLocked(protocol.Simple{Type: protocol.TypeRequestStats})

	case protocol.KindThreatFeedUpdate:
		var u protocol.ThreatFeedUpdate
		if !decode(&u) || u.Severity != protocol.SeverityHigh {
			return
		}
		rec := ThreatAlertRecord{
			ID:        u.ID,
			Title:     u.Title,
			Message:   u.Description,
			Timestamp: c.stamp(in.Timestamp),
			Priority:  protocol.PriorityHigh,
			Severity:  u.Severity,
			IsNew:     true,
		}
		if rec.ID == "" {
			rec.ID = c.nextID()
		}
		if rec.Title == "" {
			rec.Title = "Threat feed update"
		}
		c.alerts.Push(rec)
		c.publish(eventbus.ThreatDetected, rec)

	case protocol.KindSystemAlert:
		var a protocol.SystemAlert
		if !decode(&a) {
			return
		}
		rec := NotificationRecord{
			ID:        a.ID,
			Title:     a.Title,
			Message:   a.Message,
			Timestamp: c.stamp(in.Timestamp),
			Priority:  a.Priority,
			IsNew:     true,
		}
		if rec.ID == "" {
			rec.ID = c.nextID()
		}
		if rec.Title == "" {
			rec.Title = "System alert"
		}
		c.notifications.Push(rec)
		c.publish(eventbus.NotificationReceived, rec)

	case protocol.KindPong:
		c.logger.Debug("pong")

	case protocol.KindError:
		var p protocol.ErrorPayload
		if decode(&p) {
			c.logger.Warn("backend reported error", "code", p.Code, "message", p.Message)
		}

	default:
		c.logger.Warn("unknown message type ignored", "type", string(in.Type))
	}
}
