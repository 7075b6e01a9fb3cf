package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhive/backend/internal/models"
)

type fakeSessionLister struct {
	sessions []models.Session
	err      error
}

func (f *fakeSessionLister) ListActive(context.Context) ([]models.Session, error) {
	return f.sessions, f.err
}

type fakeRoomLister struct {
	rooms map[string]struct{}
	err   error
}

func (f *fakeRoomLister) ListRoomNames(context.Context) (map[string]struct{}, error) {
	return f.rooms, f.err
}

type fakeFinisher struct {
	finished []string
	updated  int
	failFor  map[string]error
}

func (f *fakeFinisher) FinishSession(_ context.Context, s *models.Session) (int, error) {
	if err := f.failFor[s.RoomName]; err != nil {
		return 0, err
	}
	f.finished = append(f.finished, s.RoomName)
	return f.updated, nil
}

func activeSession(roomName string) models.Session {
	now := time.Now()
	return models.Session{
		ID:        uuid.New(),
		RoomName:  roomName,
		Status:    models.SessionActive,
		StartedAt: &now,
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("ends sessions whose rooms vanished", func(t *testing.T) {
		sessions := &fakeSessionLister{sessions: []models.Session{
			activeSession("alive"),
			activeSession("gone-1"),
			activeSession("gone-2"),
		}}
		rooms := &fakeRoomLister{rooms: map[string]struct{}{"alive": {}, "unrelated": {}}}
		finisher := &fakeFinisher{updated: 2}

		s := New(sessions, rooms, finisher, 0, nil)
		summary, err := s.Sweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Scanned)
		assert.Equal(t, 2, summary.Stale)
		assert.Equal(t, 4, summary.ParticipantsUpdated)
		assert.Equal(t, 0, summary.Errors)
		assert.ElementsMatch(t, []string{"gone-1", "gone-2"}, finisher.finished)
	})

	t.Run("no active sessions skips the room fetch", func(t *testing.T) {
		rooms := &fakeRoomLister{err: errors.New("must not be called")}
		s := New(&fakeSessionLister{}, rooms, &fakeFinisher{}, 0, nil)

		summary, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, summary.Scanned)
	})

	t.Run("room list failure aborts without closing anything", func(t *testing.T) {
		sessions := &fakeSessionLister{sessions: []models.Session{activeSession("live")}}
		rooms := &fakeRoomLister{err: errors.New("livekit unreachable")}
		finisher := &fakeFinisher{}

		s := New(sessions, rooms, finisher, 0, nil)
		_, err := s.Sweep(ctx)
		require.Error(t, err)
		assert.Empty(t, finisher.finished)
	})

	t.Run("session list failure aborts", func(t *testing.T) {
		sessions := &fakeSessionLister{err: errors.New("db down")}
		s := New(sessions, &fakeRoomLister{}, &fakeFinisher{}, 0, nil)
		_, err := s.Sweep(ctx)
		assert.Error(t, err)
	})

	t.Run("per-session failure does not stop the sweep", func(t *testing.T) {
		sessions := &fakeSessionLister{sessions: []models.Session{
			activeSession("gone-1"),
			activeSession("gone-2"),
		}}
		rooms := &fakeRoomLister{rooms: map[string]struct{}{}}
		finisher := &fakeFinisher{failFor: map[string]error{"gone-1": errors.New("end failed")}}

		s := New(sessions, rooms, finisher, 0, nil)
		summary, err := s.Sweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Stale)
		assert.Equal(t, 1, summary.Errors)
		assert.Equal(t, []string{"gone-2"}, finisher.finished)
	})
}
