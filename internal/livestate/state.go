// Package livestate maintains the ephemeral per-session viewer state in
// Redis and fans change events out to subscribed clients.
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
)

const (
	// StateTTL bounds how long unrefreshed state survives in Redis.
	StateTTL = 24 * time.Hour
	// ChannelPrefix namespaces per-session event channels.
	ChannelPrefix = "session:events:"

	stateKeyPrefix = "session:state:"

	// Viewer-count broadcast throttle: a count broadcast needs at least this
	// much time since the previous one and a delta of at least
	// throttleAbsDelta viewers or throttleRelPct percent.
	throttleWindow   = 5 * time.Second
	throttleAbsDelta = 5
	throttleRelPct   = 10
)

// Subscriber-facing event names.
const (
	EventState       = "state"
	EventRoomStarted = "room_started"
	EventViewerCount = "viewer_count_update"
	EventRoomEnded   = "room_ended"
)

// Event is the envelope delivered to subscriber connections.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Rebuilder regenerates ephemeral state from durable rows after a cache
// miss. Historical counters are not recoverable and come back zeroed.
type Rebuilder func(ctx context.Context, sessionID uuid.UUID) (*models.LiveSessionState, error)

// Manager owns the ephemeral session state and decides when viewer-count
// changes are worth broadcasting. Mutations arrive from the single
// per-event call chain (worker or sweeper), so state writes are simple
// read-modify-write with last-write-wins on the rare overlap.
type Manager struct {
	backend Backend
	hub     *Hub
	rebuild Rebuilder
	logger  *zap.Logger

	mu       sync.Mutex
	throttle map[uuid.UUID]*throttleState
}

type throttleState struct {
	sent      bool
	lastAt    time.Time
	lastCount int
}

// NewManager creates a state fan-out manager. hub may be nil for processes
// that publish events without holding local subscriber connections.
func NewManager(backend Backend, hub *Hub, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:  backend,
		hub:      hub,
		logger:   logger,
		throttle: make(map[uuid.UUID]*throttleState),
	}
}

// SetRebuilder installs the durable-store fallback used on cache misses.
func (m *Manager) SetRebuilder(fn Rebuilder) {
	m.rebuild = fn
}

// Initialize creates fresh state for a newly active session.
func (m *Manager) Initialize(ctx context.Context, sessionID uuid.UUID, host models.HostInfo, startedAt time.Time) error {
	st := &models.LiveSessionState{
		SessionID:    sessionID,
		Status:       models.SessionActive,
		Participants: []string{},
		StartedAt:    startedAt,
		Host:         host,
	}
	m.mu.Lock()
	delete(m.throttle, sessionID)
	m.mu.Unlock()
	return m.save(ctx, st)
}

// GetState returns the current ephemeral state, rebuilding it from durable
// rows when expired. Returns (nil, nil) when the session has no state and no
// rebuilder is installed (or the rebuilder finds nothing).
func (m *Manager) GetState(ctx context.Context, sessionID uuid.UUID) (*models.LiveSessionState, error) {
	raw, err := m.backend.Get(ctx, stateKeyPrefix+sessionID.String())
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var st models.LiveSessionState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		return &st, nil
	}
	if m.rebuild == nil {
		return nil, nil
	}
	st, err := m.rebuild(ctx, sessionID)
	if err != nil || st == nil {
		return nil, err
	}
	if err := m.save(ctx, st); err != nil {
		return nil, err
	}
	m.logger.Info("live state rebuilt from durable rows", zap.String("session_id", sessionID.String()))
	return st, nil
}

// RecordJoin adds a user to the participant list and updates the viewer
// counters, broadcasting the new count when the throttle allows.
func (m *Manager) RecordJoin(ctx context.Context, sessionID uuid.UUID, userID string) error {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range st.Participants {
		if id == userID {
			return nil // already accounted for
		}
	}
	st.Participants = append(st.Participants, userID)
	st.ViewerCount = len(st.Participants)
	st.TotalViewers++
	if st.ViewerCount > st.PeakViewers {
		st.PeakViewers = st.ViewerCount
	}
	if err := m.save(ctx, st); err != nil {
		return err
	}
	return m.maybeBroadcastCount(ctx, st)
}

// RecordLeave removes a user from the participant list, broadcasting the new
// count when the throttle allows. Unknown users are a no-op.
func (m *Manager) RecordLeave(ctx context.Context, sessionID uuid.UUID, userID string) error {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	found := false
	kept := st.Participants[:0]
	for _, id := range st.Participants {
		if id == userID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return nil
	}
	st.Participants = kept
	st.ViewerCount = len(st.Participants)
	if err := m.save(ctx, st); err != nil {
		return err
	}
	return m.maybeBroadcastCount(ctx, st)
}

// BroadcastStarted publishes room_started immediately, bypassing the
// viewer-count throttle.
func (m *Manager) BroadcastStarted(ctx context.Context, sessionID uuid.UUID) error {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.publish(ctx, sessionID, EventRoomStarted, st)
}

// MarkEnded flips the state to ended, publishes room_ended immediately, and
// force-closes every subscriber connection for the session.
func (m *Manager) MarkEnded(ctx context.Context, sessionID uuid.UUID) error {
	st, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	st.Status = models.SessionEnded
	st.ViewerCount = 0
	st.Participants = []string{}
	if err := m.save(ctx, st); err != nil {
		return err
	}
	ev, err := newEvent(EventRoomEnded, st)
	if err != nil {
		return err
	}
	if err := m.publishEvent(ctx, sessionID, ev); err != nil {
		return err
	}
	if m.hub != nil {
		// Local subscribers get the terminal event handed to them directly:
		// the pub/sub round trip and the subscription teardown below would
		// otherwise race, and losing room_ended breaks the stream contract.
		m.hub.CloseSession(sessionID, &ev)
	}
	m.mu.Lock()
	delete(m.throttle, sessionID)
	m.mu.Unlock()
	return nil
}

// load returns the stored state or a zeroed active record when the key has
// expired mid-session. Counters lost to expiry stay lost; that is accepted.
func (m *Manager) load(ctx context.Context, sessionID uuid.UUID) (*models.LiveSessionState, error) {
	st, err := m.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &models.LiveSessionState{
			SessionID:    sessionID,
			Status:       models.SessionActive,
			Participants: []string{},
			StartedAt:    time.Now(),
		}
	}
	return st, nil
}

func (m *Manager) save(ctx context.Context, st *models.LiveSessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return m.backend.SetEx(ctx, stateKeyPrefix+st.SessionID.String(), raw, StateTTL)
}

func newEvent(event string, st *models.LiveSessionState) (Event, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{Event: event, Data: data}, nil
}

func (m *Manager) publish(ctx context.Context, sessionID uuid.UUID, event string, st *models.LiveSessionState) error {
	ev, err := newEvent(event, st)
	if err != nil {
		return err
	}
	return m.publishEvent(ctx, sessionID, ev)
}

func (m *Manager) publishEvent(ctx context.Context, sessionID uuid.UUID, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return m.backend.Publish(ctx, ChannelPrefix+sessionID.String(), body)
}

// maybeBroadcastCount applies the viewer-count throttle. The first count
// change after Initialize always broadcasts; after that a broadcast needs
// both the time window and a large-enough delta.
func (m *Manager) maybeBroadcastCount(ctx context.Context, st *models.LiveSessionState) error {
	m.mu.Lock()
	t, ok := m.throttle[st.SessionID]
	if !ok {
		t = &throttleState{}
		m.throttle[st.SessionID] = t
	}
	fire := false
	if !t.sent {
		fire = true
	} else if time.Since(t.lastAt) >= throttleWindow && countDeltaLargeEnough(t.lastCount, st.ViewerCount) {
		fire = true
	}
	if fire {
		t.sent = true
		t.lastAt = time.Now()
		t.lastCount = st.ViewerCount
	}
	m.mu.Unlock()

	if !fire {
		return nil
	}
	return m.publish(ctx, st.SessionID, EventViewerCount, st)
}

func countDeltaLargeEnough(last, current int) bool {
	delta := current - last
	if delta < 0 {
		delta = -delta
	}
	if delta >= throttleAbsDelta {
		return true
	}
	return last > 0 && delta*100 >= last*throttleRelPct
}
