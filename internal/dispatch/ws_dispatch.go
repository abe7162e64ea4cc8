package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession represents one connected rider or driver.
type WSSession struct {
	Role Role
	ID   string
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) WriteRaw(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSession) Send(ev protocol.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.WriteRaw(b)
}

// Hub holds the sessions connected to this instance.
type Hub struct {
	mu      sync.RWMutex
	drivers map[string]*WSSession
	riders  map[string]*WSSession
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		drivers: make(map[string]*WSSession),
		riders:  make(map[string]*WSSession),
		logger:  logger.With("component", "ws_hub"),
	}
}

func (h *Hub) sessions(role Role) map[string]*WSSession {
	if role == RoleDriver {
		return h.drivers
	}
	return h.riders
}

// Add registers conn for (role, id). A previous session for the same party
// is closed and replaced.
func (h *Hub) Add(role Role, id string, conn Conn) *WSSession {
	s := &WSSession{Role: role, ID: id, conn: conn}
	h.mu.Lock()
	old := h.sessions(role)[id]
	h.sessions(role)[id] = s
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else if role == RoleDriver {
		observability.DriversConnected.Inc()
	}
	return s
}

// Remove unregisters s if it is still the current session for its party and
// reports whether it was.
func (h *Hub) Remove(s *WSSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.sessions(s.Role)
	if m[s.ID] != s {
		return false
	}
	delete(m, s.ID)
	if s.Role == RoleDriver {
		observability.DriversConnected.Dec()
	}
	return true
}

func (h *Hub) Connected(role Role, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions(role)[id]
	return ok
}

func (h *Hub) BroadcastToDrivers(ev protocol.Event) {
	if b, ok := h.encode(ev); ok {
		h.broadcastRaw(b)
	}
}

func (h *Hub) SendToRider(riderID string, ev protocol.Event) {
	if b, ok := h.encode(ev); ok {
		_ = h.sendRaw(RoleRider, riderID, b)
	}
}

func (h *Hub) SendToDriver(driverID string, ev protocol.Event) {
	if b, ok := h.encode(ev); ok {
		_ = h.sendRaw(RoleDriver, driverID, b)
	}
}

func (h *Hub) encode(ev protocol.Event) ([]byte, bool) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.EventType(), "error", err)
		return nil, false
	}
	return b, true
}

func (h *Hub) broadcastRaw(payload []byte) {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.drivers))
	for _, s := range h.drivers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if err := s.WriteRaw(payload); err != nil {
			h.logger.Debug("ws broadcast failed", "driver_id", s.ID, "error", err)
		}
	}
}

func (h *Hub) sendRaw(role Role, id string, payload []byte) error {
	h.mu.RLock()
	s, ok := h.sessions(role)[id]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.WriteRaw(payload); err != nil {
		h.logger.Debug("ws send failed", "role", role, "id", id, "error", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
