// Package sweeper reconciles durable session state against LiveKit's live
// room list, force-closing sessions whose rooms vanished without a
// room_finished webhook ever arriving.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
)

// SessionLister loads the active session set from the durable store.
type SessionLister interface {
	ListActive(ctx context.Context) ([]models.Session, error)
}

// RoomLister fetches the external system's live room names.
type RoomLister interface {
	ListRoomNames(ctx context.Context) (map[string]struct{}, error)
}

// Finisher drives the end-of-session path for one stale session; the same
// path the room_finished webhook uses.
type Finisher interface {
	FinishSession(ctx context.Context, s *models.Session) (int, error)
}

// Summary reports one sweep for observability.
type Summary struct {
	Scanned             int
	Stale               int
	ParticipantsUpdated int
	Errors              int
}

// Sweeper runs the periodic reconciliation. It is the backstop for webhooks
// that were lost and for notifications marked processed but never applied.
type Sweeper struct {
	sessions SessionLister
	rooms    RoomLister
	finisher Finisher
	interval time.Duration
	logger   *zap.Logger
}

// New creates a sweeper.
func New(sessions SessionLister, rooms RoomLister, finisher Finisher, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{sessions: sessions, rooms: rooms, finisher: finisher, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepAndLog(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	summary, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("reconciliation sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("reconciliation sweep",
		zap.Int("scanned", summary.Scanned),
		zap.Int("stale", summary.Stale),
		zap.Int("participants_updated", summary.ParticipantsUpdated),
		zap.Int("errors", summary.Errors))
}

// Sweep ends every active session whose room is absent from LiveKit's live
// list. Per-session failures are counted, not fatal; a failure to load
// either list aborts the sweep since there is nothing sound to diff.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary

	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active sessions: %w", err)
	}
	summary.Scanned = len(active)
	if len(active) == 0 {
		return summary, nil
	}

	live, err := s.rooms.ListRoomNames(ctx)
	if err != nil {
		return summary, fmt.Errorf("list live rooms: %w", err)
	}

	for i := range active {
		session := &active[i]
		if _, ok := live[session.RoomName]; ok {
			continue
		}
		summary.Stale++
		updated, err := s.finisher.FinishSession(ctx, session)
		summary.ParticipantsUpdated += updated
		if err != nil {
			summary.Errors++
			s.logger.Error("force-close stale session failed",
				zap.Error(err), zap.String("session_id", session.ID.String()), zap.String("room", session.RoomName))
			continue
		}
		s.logger.Warn("stale session force-closed",
			zap.String("session_id", session.ID.String()), zap.String("room", session.RoomName))
	}
	return summary, nil
}
