package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/phishguard/phishguard/agent/internal/eventbus"
)

// requestTimeout bounds provider calls that may block.
const requestTimeout = 30 * time.Second

// Server listens on a Unix socket and serves IPC requests.
type Server struct {
	path     string
	listener net.Listener
	provider Provider
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]*client
	done    chan struct{}
	closed  bool
}

// client is one accepted connection. Writes from the request loop and from
// subscription forwarders share wmu.
type client struct {
	conn net.Conn
	wmu  sync.Mutex
	subs []chan eventbus.Event
}

// NewServer creates an IPC server.
func NewServer(socketPath string, provider Provider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc-server"),
		clients:  make(map[net.Conn]*client),
		done:     make(chan struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Start begins listening on the Unix socket. Non-blocking.
func (s *Server) Start() error {
	// Remove stale socket.
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.listener = ln

	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	go s.acceptLoop()
	s.logger.Info("IPC server listening", "path", s.path)
	return nil
}

// Close shuts down the server and all client connections. It is safe to
// call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[net.Conn]*client)
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		c := &client{conn: conn}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[conn] = c
		s.mu.Unlock()

		go s.handleConn(c)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.conn)
	s.mu.Unlock()
	for _, ch := range c.subs {
		s.bus.Unsubscribe(ch)
	}
	_ = c.conn.Close()
}

func (s *Server) handleConn(c *client) {
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.write(c, errorResponse("", "invalid request"))
			continue
		}

		s.handleRequest(c, req)
	}
}

func (s *Server) handleRequest(c *client, req Request) {
	p := s.provider
	switch req.Method {
	case MethodStatus:
		s.result(c, req.ID, p.Status())

	case MethodNotifications:
		snap := p.Snapshot()
		s.result(c, req.ID, NotificationsResult{Notifications: snap.Notifications, Unread: snap.UnreadNotifications})

	case MethodThreatAlerts:
		snap := p.Snapshot()
		s.result(c, req.ID, ThreatAlertsResult{ThreatAlerts: snap.ThreatAlerts, Unread: snap.UnreadThreatAlerts})

	case MethodSend:
		var params SendParams
		if err := decodeParams(req, &params); err != nil || len(params.Message) == 0 {
			_ = s.write(c, errorResponse(req.ID, "send requires a message"))
			return
		}
		s.result(c, req.ID, OKResult{OK: p.Send(params.Message)})

	case MethodRequestStats:
		s.result(c, req.ID, OKResult{OK: p.RequestStatistics()})

	case MethodMarkNotificationRead, MethodMarkThreatRead:
		var params IDParams
		if err := decodeParams(req, &params); err != nil || params.ID == "" {
			_ = s.write(c, errorResponse(req.ID, req.Method+" requires an id"))
			return
		}
		var ok bool
		if req.Method == MethodMarkNotificationRead {
			ok = p.MarkNotificationRead(params.ID)
		} else {
			ok = p.MarkThreatAlertRead(params.ID)
		}
		s.result(c, req.ID, OKResult{OK: ok})

	case MethodClearNotifications:
		p.ClearNotifications()
		s.result(c, req.ID, OKResult{OK: true})

	case MethodConnect:
		p.Connect()
		s.result(c, req.ID, OKResult{OK: true})

	case MethodDisconnect:
		p.Disconnect()
		s.result(c, req.ID, OKResult{OK: true})

	case MethodRequestPermission:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		perm, err := p.RequestNotificationPermission(ctx)
		cancel()
		if err != nil {
			_ = s.write(c, errorResponse(req.ID, err.Error()))
			return
		}
		s.result(c, req.ID, PermissionResult{Permission: perm})

	case MethodLogin:
		var params LoginParams
		if err := decodeParams(req, &params); err != nil || params.Email == "" {
			_ = s.write(c, errorResponse(req.ID, "login requires an email"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		res := p.Login(ctx, params.Email, params.Password)
		cancel()
		s.result(c, req.ID, res)

	case MethodRegister:
		var params RegisterParams
		if err := decodeParams(req, &params); err != nil || params.Email == "" {
			_ = s.write(c, errorResponse(req.ID, "register requires an email"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		res := p.Register(ctx, params)
		cancel()
		s.result(c, req.ID, res)

	case MethodLogout:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := p.Logout(ctx)
		cancel()
		if err != nil {
			_ = s.write(c, errorResponse(req.ID, err.Error()))
			return
		}
		s.result(c, req.ID, OKResult{OK: true})

	case MethodSubscribe:
		var params SubscribeParams
		_ = decodeParams(req, &params)
		s.subscribe(c, req.ID, params)

	default:
		_ = s.write(c, errorResponse(req.ID, "unknown method: "+req.Method))
	}
}

// subscribe forwards matching bus events to c until the connection or the
// server closes. The request loop keeps serving calls meanwhile.
func (s *Server) subscribe(c *client, reqID string, params SubscribeParams) {
	ch := s.bus.Subscribe(params.Events...)
	c.subs = append(c.subs, ch)

	s.result(c, reqID, map[string]string{"status": "subscribed"})

	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				resp := Response{
					Type: TypeEvent,
					Data: marshalRaw(Event{
						Type:      evt.Type,
						Timestamp: evt.Timestamp,
						Data:      evt.Data,
					}),
				}
				if err := s.write(c, resp); err != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Server) result(c *client, id string, v any) {
	_ = s.write(c, Response{ID: id, Type: TypeResult, Data: marshalRaw(v)})
}

func (s *Server) write(c *client, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(data)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("write error", "error", err)
		}
	}
	return err
}

func decodeParams(req Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

func errorResponse(id, msg string) Response {
	return Response{ID: id, Type: TypeError, Data: marshalRaw(ErrorData{Error: msg})}
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
