package livestate

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is one subscriber connection (WebSocket or SSE).
type Conn interface {
	// Send queues an event for delivery without blocking; false means the
	// connection's buffer is full and the event was dropped for it.
	Send(ev Event) bool
	// Close tears the connection down. Must be safe to call more than once.
	Close()
}

// Hub tracks subscriber connections per session and bridges them to the
// shared pub/sub substrate. The channel subscription is reference-counted
// per process: the first local subscriber opens it, the last one closes it.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[string]Conn
	cancels  map[uuid.UUID]func()
	subs     ChannelSubscriber
	logger   *zap.Logger
}

// NewHub creates a subscriber hub. subs may be nil in tests; events are then
// only delivered via Dispatch.
func NewHub(subs ChannelSubscriber, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]Conn),
		cancels:  make(map[uuid.UUID]func()),
		subs:     subs,
		logger:   logger,
	}
}

// Subscribe registers a connection under (sessionID, connID). The first
// subscriber for a session opens the underlying channel subscription.
func (h *Hub) Subscribe(sessionID uuid.UUID, connID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]Conn)
		if h.subs != nil {
			cancel, err := h.subs.Subscribe(ChannelPrefix+sessionID.String(), func(payload []byte) {
				var ev Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					h.logger.Warn("bad event payload on channel", zap.Error(err))
					return
				}
				h.Dispatch(sessionID, ev)
			})
			if err != nil {
				delete(h.sessions, sessionID)
				return err
			}
			h.cancels[sessionID] = cancel
		}
	}
	h.sessions[sessionID][connID] = conn
	h.logger.Debug("subscriber added",
		zap.String("session_id", sessionID.String()), zap.String("conn_id", connID))
	return nil
}

// Unsubscribe removes a connection. The last subscriber for a session closes
// the underlying channel subscription.
func (h *Hub) Unsubscribe(sessionID uuid.UUID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.sessions, sessionID)
		if cancel, ok := h.cancels[sessionID]; ok {
			cancel()
			delete(h.cancels, sessionID)
		}
	}
}

// Dispatch delivers an event to every local subscriber of a session.
func (h *Hub) Dispatch(sessionID uuid.UUID, ev Event) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.Send(ev) {
			h.logger.Debug("slow subscriber dropped event", zap.String("session_id", sessionID.String()))
		}
	}
}

// CloseSession force-closes every subscriber of a session and drops the
// channel subscription. final, when set, is queued on each connection before
// its close so the terminal event cannot lose the race against the channel
// subscription being cancelled: the Redis publish and this local delivery
// overlap at most into a duplicate, which connections treat as terminal
// either way.
func (h *Hub) CloseSession(sessionID uuid.UUID, final *Event) {
	h.mu.Lock()
	conns := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	cancel := h.cancels[sessionID]
	delete(h.cancels, sessionID)
	h.mu.Unlock()

	for _, c := range conns {
		if final != nil {
			c.Send(*final)
		}
		c.Close()
	}
	if cancel != nil {
		cancel()
	}
	if len(conns) > 0 {
		h.logger.Info("session subscribers closed",
			zap.String("session_id", sessionID.String()), zap.Int("count", len(conns)))
	}
}

// SubscriberCount returns the number of local subscribers for a session.
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Shutdown closes every connection and subscription, for process stop.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	cancels := h.cancels
	h.sessions = make(map[uuid.UUID]map[string]Conn)
	h.cancels = make(map[uuid.UUID]func())
	h.mu.Unlock()

	for _, conns := range sessions {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
}
