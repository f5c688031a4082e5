package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/phishguard/phishguard/agent/internal/live"
)

// ErrClosed is returned by calls on a client whose connection has ended.
var ErrClosed = errors.New("ipc connection closed")

// RemoteError is an error response from the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client connects to the agent IPC server.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex

	// responses and events are demuxed by a background reader.
	pending map[string]chan Response
	eventCh chan Event
	pendMu  sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the agent IPC socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial IPC socket: %w", err)
	}

	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: make(map[string]chan Response),
		eventCh: make(chan Event, 64),
		done:    make(chan struct{}),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	go c.readLoop()
	return c, nil
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	id := uuid.NewString()

	ch := make(chan Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	req := Request{ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallResult calls method and decodes a result response into out. Error
// responses become *RemoteError.
func (c *Client) CallResult(ctx context.Context, method string, params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Type == TypeError {
		var e ErrorData
		_ = json.Unmarshal(resp.Data, &e)
		return &RemoteError{Method: method, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Status returns the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var st StatusResult
	if err := c.CallResult(ctx, MethodStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Notifications returns the notification buffer, newest first.
func (c *Client) Notifications(ctx context.Context) (*NotificationsResult, error) {
	var r NotificationsResult
	if err := c.CallResult(ctx, MethodNotifications, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ThreatAlerts returns the threat-alert buffer, newest first.
func (c *Client) ThreatAlerts(ctx context.Context) (*ThreatAlertsResult, error) {
	var r ThreatAlertsResult
	if err := c.CallResult(ctx, MethodThreatAlerts, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Send transmits a raw live message; ok is false when the channel is down.
func (c *Client) Send(ctx context.Context, msg any) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	return c.action(ctx, MethodSend, SendParams{Message: data})
}

func (c *Client) RequestStatistics(ctx context.Context) (bool, error) {
	return c.action(ctx, MethodRequestStats, nil)
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	return c.action(ctx, MethodMarkNotificationRead, IDParams{ID: id})
}

func (c *Client) MarkThreatAlertRead(ctx context.Context, id string) (bool, error) {
	return c.action(ctx, MethodMarkThreatRead, IDParams{ID: id})
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	_, err := c.action(ctx, MethodClearNotifications, nil)
	return err
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.action(ctx, MethodConnect, nil)
	return err
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.action(ctx, MethodDisconnect, nil)
	return err
}

// RequestPermission asks the agent to enable system-level alerts.
func (c *Client) RequestPermission(ctx context.Context) (live.Permission, error) {
	var r PermissionResult
	if err := c.CallResult(ctx, MethodRequestPermission, nil, &r); err != nil {
		return "", err
	}
	return r.Permission, nil
}

// Login signs the agent in with the given credentials.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var r AuthResult
	if err := c.CallResult(ctx, MethodLogin, LoginParams{Email: email, Password: password}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Register creates an account and signs the agent in with it.
func (c *Client) Register(ctx context.Context, p RegisterParams) (*AuthResult, error) {
	var r AuthResult
	if err := c.CallResult(ctx, MethodRegister, p, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.action(ctx, MethodLogout, nil)
	return err
}

func (c *Client) action(ctx context.Context, method string, params any) (bool, error) {
	var r OKResult
	if err := c.CallResult(ctx, method, params, &r); err != nil {
		return false, err
	}
	return r.OK, nil
}

// Subscribe sends a subscribe request. Events are delivered on the channel
// returned by Events.
func (c *Client) Subscribe(events ...string) error {
	req := Request{ID: uuid.NewString(), Method: MethodSubscribe}
	if len(events) > 0 {
		req.Params, _ = json.Marshal(SubscribeParams{Events: events})
	}
	return c.send(req)
}

// Events returns the channel that receives subscribed events. It is closed
// when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.eventCh
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", req.Method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.eventCh)
	}()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		if resp.Type == TypeEvent {
			var evt Event
			if err := json.Unmarshal(resp.Data, &evt); err == nil {
				select {
				case c.eventCh <- evt:
				default:
				}
			}
			continue
		}

		// A result or error: route it to the pending call.
		if resp.ID != "" {
			c.pendMu.Lock()
			ch, ok := c.pending[resp.ID]
			c.pendMu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}
