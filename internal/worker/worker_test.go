package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/pkg/queue"
)

type fakeLedger struct {
	claimed map[string]bool
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claimed: make(map[string]bool)}
}

func (f *fakeLedger) MarkProcessed(_ context.Context, id string, _ models.EventKind) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeLedger) DeleteExpired(context.Context) (int64, error) { return 0, nil }

type fakeHandler struct {
	events []models.RoomEvent
	err    error
}

func (f *fakeHandler) HandleEvent(_ context.Context, ev models.RoomEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func jobFor(t *testing.T, ev models.RoomEvent) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return &queue.Job{ID: ev.ID, Kind: string(ev.Kind), Payload: payload}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	ev := models.RoomEvent{ID: "EV_1", Kind: models.EventRoomStarted, RoomName: "live"}

	t.Run("applies the event once", func(t *testing.T) {
		ledger := newFakeLedger()
		handler := &fakeHandler{}
		pool := NewPool(nil, ledger, handler, 1, nil)

		require.NoError(t, pool.Process(ctx, jobFor(t, ev)))
		require.Len(t, handler.events, 1)
		assert.Equal(t, ev, handler.events[0])
	})

	t.Run("duplicate delivery is skipped by the ledger", func(t *testing.T) {
		ledger := newFakeLedger()
		handler := &fakeHandler{}
		pool := NewPool(nil, ledger, handler, 1, nil)

		require.NoError(t, pool.Process(ctx, jobFor(t, ev)))
		require.NoError(t, pool.Process(ctx, jobFor(t, ev)))
		assert.Len(t, handler.events, 1)
	})

	t.Run("handler failure propagates for retry", func(t *testing.T) {
		ledger := newFakeLedger()
		handler := &fakeHandler{err: errors.New("store down")}
		pool := NewPool(nil, ledger, handler, 1, nil)

		err := pool.Process(ctx, jobFor(t, ev))
		assert.Error(t, err)
	})

	t.Run("ledger failure propagates for retry", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.err = errors.New("db down")
		handler := &fakeHandler{}
		pool := NewPool(nil, ledger, handler, 1, nil)

		err := pool.Process(ctx, jobFor(t, ev))
		assert.Error(t, err)
		assert.Empty(t, handler.events)
	})

	t.Run("unparseable payload is dropped, not retried", func(t *testing.T) {
		ledger := newFakeLedger()
		handler := &fakeHandler{}
		pool := NewPool(nil, ledger, handler, 1, nil)

		job := &queue.Job{ID: "bad", Kind: "room_started", Payload: json.RawMessage(`{not json`)}
		require.NoError(t, pool.Process(ctx, job))
		assert.Empty(t, handler.events)
		assert.Empty(t, ledger.claimed)
	})
}
