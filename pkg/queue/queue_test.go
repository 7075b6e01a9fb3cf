package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory store: guard keys, lists, and a delayed set
// scored by due time.
type fakeStore struct {
	mu      sync.Mutex
	guards  map[string]bool
	lists   map[string][][]byte
	delayed map[string]map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		guards:  make(map[string]bool),
		lists:   make(map[string][][]byte),
		delayed: make(map[string]map[string]time.Time),
	}
}

func (f *fakeStore) SetNX(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.guards[key] {
		return false, nil
	}
	f.guards[key] = true
	return true, nil
}

func (f *fakeStore) Push(_ context.Context, list string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[list] = append(f.lists[list], raw)
	return nil
}

func (f *fakeStore) BlockingPop(_ context.Context, list string, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.lists[list]
	if len(entries) == 0 {
		return nil, nil
	}
	raw := entries[0]
	f.lists[list] = entries[1:]
	return raw, nil
}

func (f *fakeStore) ScheduleDelayed(_ context.Context, set string, raw []byte, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delayed[set] == nil {
		f.delayed[set] = make(map[string]time.Time)
	}
	f.delayed[set][string(raw)] = due
	return nil
}

func (f *fakeStore) DueDelayed(_ context.Context, set string, now time.Time, _ int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []string
	for raw, at := range f.delayed[set] {
		if !at.After(now) {
			due = append(due, raw)
		}
	}
	return due, nil
}

func (f *fakeStore) ClaimDelayed(_ context.Context, set, raw string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.delayed[set][raw]; !ok {
		return false, nil
	}
	delete(f.delayed[set], raw)
	return true, nil
}

func (f *fakeStore) Range(_ context.Context, list string, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.lists[list]
	if int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e))
	}
	return out, nil
}

func (f *fakeStore) listLen(list string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[list])
}

func TestSubmitCollapsesDuplicateIDs(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 3, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, "evt-1", "room_started", map[string]string{"room": "a"}))
	require.NoError(t, q.Submit(ctx, "evt-1", "room_started", map[string]string{"room": "a"}))
	require.NoError(t, q.Submit(ctx, "evt-2", "room_finished", map[string]string{"room": "a"}))

	assert.Equal(t, 2, store.listLen(QueueWebhooks), "duplicate id must not enqueue a second job")

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "evt-1", job.ID)
	assert.Equal(t, "room_started", job.Kind)
	assert.Equal(t, 0, job.Attempt)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newQueue(newFakeStore(), 3, time.Second, nil)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueDropsInvalidPayload(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 3, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, QueueWebhooks, []byte("not json")))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, 0, store.listLen(QueueWebhooks))
}

func TestRetrySchedulesWithBackoff(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 3, time.Second, nil)
	ctx := context.Background()

	job := &Job{ID: "evt-1", Kind: "room_started", Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Retry(ctx, job))

	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 0, store.listLen(QueueFailed))

	store.mu.Lock()
	scheduled := len(store.delayed[retrySet])
	store.mu.Unlock()
	assert.Equal(t, 1, scheduled)

	// Not due yet, so nothing comes back out.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetryExhaustionMovesToFailedList(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 2, time.Second, nil)
	ctx := context.Background()

	job := &Job{ID: "evt-1", Kind: "room_started", Payload: json.RawMessage(`{}`), Attempt: 2}
	require.NoError(t, q.Retry(ctx, job))

	assert.Equal(t, 1, store.listLen(QueueFailed))
	store.mu.Lock()
	scheduled := len(store.delayed[retrySet])
	store.mu.Unlock()
	assert.Equal(t, 0, scheduled, "exhausted job must not be rescheduled")

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt-1", failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempt)
}

func TestDueRetryPromotedBackToQueue(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 3, time.Millisecond, nil)
	ctx := context.Background()

	job := &Job{ID: "evt-1", Kind: "room_started", Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Retry(ctx, job))

	time.Sleep(5 * time.Millisecond)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, 1, got.Attempt)
}

func TestPromoteClaimsBeforePush(t *testing.T) {
	store := newFakeStore()
	q := newQueue(store, 3, time.Second, nil)
	ctx := context.Background()

	raw, err := json.Marshal(Job{ID: "evt-1", Kind: "room_started", Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, store.ScheduleDelayed(ctx, retrySet, raw, time.Now().Add(-time.Second)))

	// Another instance already claimed the entry.
	claimed, err := store.ClaimDelayed(ctx, retrySet, string(raw))
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, q.promoteDueRetries(ctx))
	assert.Equal(t, 0, store.listLen(QueueWebhooks), "lost claim must not promote the entry")

	// With the entry back and unclaimed, exactly one promotion happens.
	require.NoError(t, store.ScheduleDelayed(ctx, retrySet, raw, time.Now().Add(-time.Second)))
	require.NoError(t, q.promoteDueRetries(ctx))
	require.NoError(t, q.promoteDueRetries(ctx))
	assert.Equal(t, 1, store.listLen(QueueWebhooks))
}

func TestBackoffDelayDoubles(t *testing.T) {
	q := NewQueue(nil, 3, time.Second, nil)

	assert.Equal(t, 1*time.Second, q.backoffDelay(1))
	assert.Equal(t, 2*time.Second, q.backoffDelay(2))
	assert.Equal(t, 4*time.Second, q.backoffDelay(3))
}

func TestNewQueueDefaults(t *testing.T) {
	q := NewQueue(nil, 0, 0, nil)

	assert.Equal(t, 3, q.maxRetries)
	assert.Equal(t, time.Second, q.backoffBase)
}
