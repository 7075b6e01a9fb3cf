package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhive/backend/internal/models"
)

type memBackend struct {
	store     map[string][]byte
	published []Event
}

func newMemBackend() *memBackend {
	return &memBackend{store: make(map[string][]byte)}
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := b.store[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (b *memBackend) SetEx(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.store[key] = value
	return nil
}

func (b *memBackend) Publish(_ context.Context, _ string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *memBackend) publishedKinds() []string {
	kinds := make([]string, 0, len(b.published))
	for _, ev := range b.published {
		kinds = append(kinds, ev.Event)
	}
	return kinds
}

func TestInitializeAndGetState(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, nil, nil)
	sessionID := uuid.New()
	host := models.HostInfo{UserID: uuid.New(), DisplayName: "Host"}
	startedAt := time.Now().Truncate(time.Second)

	require.NoError(t, mgr.Initialize(ctx, sessionID, host, startedAt))

	st, err := mgr.GetState(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, sessionID, st.SessionID)
	assert.Equal(t, models.SessionActive, st.Status)
	assert.Equal(t, host, st.Host)
	assert.Empty(t, st.Participants)
	assert.Zero(t, st.ViewerCount)
}

func TestGetStateMiss(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()

	t.Run("no rebuilder", func(t *testing.T) {
		mgr := NewManager(newMemBackend(), nil, nil)
		st, err := mgr.GetState(ctx, sessionID)
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("rebuilder repopulates the cache", func(t *testing.T) {
		backend := newMemBackend()
		mgr := NewManager(backend, nil, nil)
		mgr.SetRebuilder(func(_ context.Context, id uuid.UUID) (*models.LiveSessionState, error) {
			return &models.LiveSessionState{
				SessionID:    id,
				Status:       models.SessionActive,
				Participants: []string{"u1", "u2"},
				ViewerCount:  2,
			}, nil
		})

		st, err := mgr.GetState(ctx, sessionID)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, 2, st.ViewerCount)

		// Rebuilt state must now be served from the backend.
		raw, err := backend.Get(ctx, stateKeyPrefix+sessionID.String())
		require.NoError(t, err)
		assert.NotNil(t, raw)
	})

	t.Run("rebuilder finds nothing", func(t *testing.T) {
		mgr := NewManager(newMemBackend(), nil, nil)
		mgr.SetRebuilder(func(context.Context, uuid.UUID) (*models.LiveSessionState, error) {
			return nil, nil
		})
		st, err := mgr.GetState(ctx, sessionID)
		require.NoError(t, err)
		assert.Nil(t, st)
	})
}

func TestRecordJoinAndLeaveCounters(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, nil, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(ctx, sessionID, models.HostInfo{}, time.Now()))

	require.NoError(t, mgr.RecordJoin(ctx, sessionID, "u1"))
	require.NoError(t, mgr.RecordJoin(ctx, sessionID, "u2"))
	// Duplicate join must not inflate the counters.
	require.NoError(t, mgr.RecordJoin(ctx, sessionID, "u1"))

	st, err := mgr.GetState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ViewerCount)
	assert.Equal(t, 2, st.TotalViewers)
	assert.Equal(t, 2, st.PeakViewers)

	require.NoError(t, mgr.RecordLeave(ctx, sessionID, "u1"))
	// Leaving twice is a no-op.
	require.NoError(t, mgr.RecordLeave(ctx, sessionID, "u1"))

	st, err = mgr.GetState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ViewerCount)
	assert.Equal(t, 2, st.TotalViewers, "total is monotonic")
	assert.Equal(t, 2, st.PeakViewers, "peak survives departures")

	// A rejoin counts as a new total viewer.
	require.NoError(t, mgr.RecordJoin(ctx, sessionID, "u1"))
	st, err = mgr.GetState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalViewers)
}

func TestViewerCountThrottle(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, nil, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(ctx, sessionID, models.HostInfo{}, time.Now()))

	// The first change always broadcasts; the burst right behind it is
	// inside the time window and must be absorbed.
	for i := 0; i < 4; i++ {
		require.NoError(t, mgr.RecordJoin(ctx, sessionID, fmt.Sprintf("u%d", i)))
	}
	assert.Equal(t, []string{EventViewerCount}, backend.publishedKinds())
}

func TestCountDeltaLargeEnough(t *testing.T) {
	cases := []struct {
		last, current int
		want          bool
	}{
		{0, 5, true},    // absolute threshold
		{0, 4, false},   // below absolute, no relative base
		{100, 110, true},
		{100, 104, false}, // 4% change on 100
		{20, 23, true},    // 15% change on 20
		{50, 45, true},    // shrinking counts too
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, countDeltaLargeEnough(tc.last, tc.current),
			"last=%d current=%d", tc.last, tc.current)
	}
}

func TestBroadcastStartedBypassesThrottle(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, nil, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(ctx, sessionID, models.HostInfo{}, time.Now()))

	require.NoError(t, mgr.BroadcastStarted(ctx, sessionID))
	require.NoError(t, mgr.BroadcastStarted(ctx, sessionID))
	assert.Equal(t, []string{EventRoomStarted, EventRoomStarted}, backend.publishedKinds())
}

func TestMarkEndedDeliversTerminalEventLocally(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	// Hub without a channel subscriber: nothing arrives via pub/sub, so the
	// terminal event must reach the connection through the force-close path.
	hub := NewHub(nil, nil)
	mgr := NewManager(backend, hub, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(ctx, sessionID, models.HostInfo{}, time.Now()))

	conn := &fakeConn{}
	require.NoError(t, hub.Subscribe(sessionID, "c1", conn))

	require.NoError(t, mgr.MarkEnded(ctx, sessionID))

	got := conn.events()
	require.Len(t, got, 1)
	assert.Equal(t, EventRoomEnded, got[0].Event)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, hub.SubscriberCount(sessionID))
}

func TestMarkEnded(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, nil, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(ctx, sessionID, models.HostInfo{}, time.Now()))
	require.NoError(t, mgr.RecordJoin(ctx, sessionID, "u1"))

	require.NoError(t, mgr.MarkEnded(ctx, sessionID))

	st, err := mgr.GetState(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, st.Status)
	assert.Zero(t, st.ViewerCount)
	assert.Empty(t, st.Participants)

	kinds := backend.publishedKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventRoomEnded, kinds[len(kinds)-1])
}
