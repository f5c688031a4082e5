package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/phishguard/phishguard/pkg/protocol"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveReadLimit    = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; there is no Origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks live connections per user along with their scan statistics.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*liveConn]struct{}
	stats map[string]*protocol.Statistics
}

type liveConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *liveConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *liveConn) closeWith(code int, reason string) {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = c.ws.Close()
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*liveConn]struct{}),
		stats:  make(map[string]*protocol.Statistics),
	}
}

// Connections returns the number of open live connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Statistics returns a copy of userID's counters.
func (h *Hub) Statistics(userID string) protocol.Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked(userID)
}

func (h *Hub) statsLocked(userID string) protocol.Statistics {
	if st, ok := h.stats[userID]; ok {
		return *st
	}
	return protocol.Statistics{}
}

// Push sends one live message to every connection of userID. Threat and scan
// messages also advance the user's statistics.
func (h *Hub) Push(userID string, kind protocol.Kind, data any) (int, error) {
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	msg, err := protocol.NewInbound(kind, data)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.countLocked(userID, kind, msg)
	targets := make([]*liveConn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(msg); err != nil {
			h.logger.Debug("push failed", "user_id", userID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (h *Hub) countLocked(userID string, kind protocol.Kind, msg []byte) {
	st, ok := h.stats[userID]
	if !ok {
		st = &protocol.Statistics{}
		h.stats[userID] = st
	}
	switch kind {
	case protocol.KindThreatDetected:
		st.ThreatsDetected++
	case protocol.KindScanCompleted:
		var env struct {
			Data protocol.ScanCompleted `json:"data"`
		}
		_ = json.Unmarshal(msg, &env)
		now := time.Now().UTC()
		st.EmailsScanned++
		st.LastScan = &now
		switch env.Data.Verdict {
		case "phishing":
			st.PhishingBlocked++
		case "suspicious":
			st.SuspiciousEmails++
		default:
			st.SafeEmails++
		}
	}
}

// DisconnectUser closes every live connection of userID with the given close
// code and returns how many were closed.
func (h *Hub) DisconnectUser(userID string, code int, reason string) int {
	h.mu.Lock()
	targets := h.conns[userID]
	delete(h.conns, userID)
	h.mu.Unlock()

	for c := range targets {
		c.closeWith(code, reason)
	}
	return len(targets)
}

func (h *Hub) add(userID string, c *liveConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*liveConn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(userID string, c *liveConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// handleLiveWS authenticates the bearer token (header or ?token=) against the
// path's user id before upgrading.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := s.accounts.Verify(token)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	if claims.UserID != userID {
		writeDetail(w, http.StatusForbidden, "Token does not match user")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(liveReadLimit)
	c := &liveConn{ws: ws}
	s.hub.add(userID, c)
	s.logger.Info("live connection opened", "user_id", userID)

	defer func() {
		s.hub.remove(userID, c)
		_ = ws.Close()
		s.logger.Info("live connection closed", "user_id", userID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.hub.handleClientMessage(userID, c, data)
	}
}

type clientMessage struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

func (h *Hub) handleClientMessage(userID string, c *liveConn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, protocol.KindError, protocol.ErrorPayload{Code: "bad_message", Message: "message is not valid JSON"})
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		h.reply(c, protocol.KindPong, nil)
	case protocol.TypeSubscribe:
		h.reply(c, protocol.KindConnectionEstablished, protocol.ConnectionEstablished{
			UserID:        userID,
			Subscriptions: msg.Subscriptions,
		})
	case protocol.TypeRequestStats:
		h.reply(c, protocol.KindStatisticsUpdate, h.Statistics(userID))
	default:
		h.reply(c, protocol.KindError, protocol.ErrorPayload{Code: "unknown_type", Message: "unsupported message type: " + msg.Type})
	}
}

func (h *Hub) reply(c *liveConn, kind protocol.Kind, data any) {
	msg, err := protocol.NewInbound(kind, data)
	if err != nil {
		return
	}
	if err := c.write(msg); err != nil {
		h.logger.Debug("live reply failed", "type", kind, "error", err)
	}
}
