// Package orchestrator holds the session lifecycle state machine: it turns
// LiveKit webhook events and API calls into durable state transitions and
// drives the ephemeral fan-out layer to match.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
)

const defaultMaxParticipants = 100

// SessionStore is the durable session state consumed by the orchestrator.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByRoomName(ctx context.Context, roomName string) (*models.Session, error)
	MarkActive(ctx context.Context, id uuid.UUID) (bool, error)
	MarkError(ctx context.Context, id uuid.UUID) error
	End(ctx context.Context, id uuid.UUID) (bool, error)
}

// ParticipantStore is the durable participant state consumed by the orchestrator.
type ParticipantStore interface {
	CreateJoined(ctx context.Context, p *models.Participant) error
	AttachSID(ctx context.Context, sessionID, userID uuid.UUID, participantSID, roomSID string) (bool, error)
	MarkLeftBySID(ctx context.Context, participantSID string) (*models.Participant, error)
	MarkLeftByID(ctx context.Context, id uuid.UUID) (bool, error)
	ListJoined(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
}

// RoomService is the external media service surface the orchestrator calls.
type RoomService interface {
	CreateRoom(ctx context.Context, name string, emptyTimeoutSec, maxParticipants int) error
	DeleteRoom(ctx context.Context, name string) error
	AccessToken(room, identity, displayName string, role models.ParticipantRole, metadata string) (string, error)
}

// Fanout is the ephemeral-state layer the orchestrator keeps in step with
// durable state. MarkEnded broadcasts room_ended and tears down subscribers.
type Fanout interface {
	Initialize(ctx context.Context, sessionID uuid.UUID, host models.HostInfo, startedAt time.Time) error
	RecordJoin(ctx context.Context, sessionID uuid.UUID, userID string) error
	RecordLeave(ctx context.Context, sessionID uuid.UUID, userID string) error
	BroadcastStarted(ctx context.Context, sessionID uuid.UUID) error
	MarkEnded(ctx context.Context, sessionID uuid.UUID) error
}

// Orchestrator applies session and participant state transitions.
type Orchestrator struct {
	sessions     SessionStore
	participants ParticipantStore
	rooms        RoomService
	fanout       Fanout
	logger       *zap.Logger
}

// New creates an orchestrator.
func New(sessions SessionStore, participants ParticipantStore, rooms RoomService, fanout Fanout, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions:     sessions,
		participants: participants,
		rooms:        rooms,
		fanout:       fanout,
		logger:       logger,
	}
}

// HandleEvent dispatches one webhook event. Validation-style failures (room
// unknown, identity unparseable, no matching row) are logged and swallowed;
// store and fan-out errors propagate so the queue retries the job.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev models.RoomEvent) error {
	switch ev.Kind {
	case models.EventRoomStarted:
		return o.handleRoomStarted(ctx, ev)
	case models.EventRoomFinished:
		return o.handleRoomFinished(ctx, ev)
	case models.EventParticipantJoined:
		return o.handleParticipantJoined(ctx, ev)
	case models.EventParticipantLeft:
		return o.handleParticipantLeft(ctx, ev)
	default:
		o.logger.Info("unrecognized event kind ignored",
			zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
		return nil
	}
}

func (o *Orchestrator) handleRoomStarted(ctx context.Context, ev models.RoomEvent) error {
	s, err := o.sessions.GetByRoomName(ctx, ev.RoomName)
	if err != nil {
		if err == models.ErrNotFound {
			o.logger.Warn("room_started for unknown room", zap.String("room", ev.RoomName))
			return nil
		}
		return err
	}
	// Status is already active from the synchronous creation path; this event
	// only needs to reach subscribers.
	return o.fanout.BroadcastStarted(ctx, s.ID)
}

func (o *Orchestrator) handleRoomFinished(ctx context.Context, ev models.RoomEvent) error {
	s, err := o.sessions.GetByRoomName(ctx, ev.RoomName)
	if err != nil {
		if err == models.ErrNotFound {
			o.logger.Warn("room_finished for unknown room", zap.String("room", ev.RoomName))
			return nil
		}
		return err
	}
	_, err = o.FinishSession(ctx, s)
	return err
}

func (o *Orchestrator) handleParticipantJoined(ctx context.Context, ev models.RoomEvent) error {
	s, err := o.sessions.GetByRoomName(ctx, ev.RoomName)
	if err != nil {
		if err == models.ErrNotFound {
			o.logger.Warn("participant_joined for unknown room", zap.String("room", ev.RoomName))
			return nil
		}
		return err
	}
	userID, err := uuid.Parse(ev.ParticipantIdentity)
	if err != nil {
		o.logger.Warn("participant identity is not a user id",
			zap.String("identity", ev.ParticipantIdentity), zap.String("room", ev.RoomName))
		return nil
	}
	attached, err := o.participants.AttachSID(ctx, s.ID, userID, ev.ParticipantSID, ev.RoomSID)
	if err != nil {
		return err
	}
	if !attached {
		// No joined row without a SID: duplicate confirmation, or a join that
		// bypassed this API. Either way there is nothing to account for.
		o.logger.Debug("no pending join to confirm",
			zap.String("room", ev.RoomName), zap.String("user_id", userID.String()))
		return nil
	}
	return o.fanout.RecordJoin(ctx, s.ID, ev.ParticipantIdentity)
}

func (o *Orchestrator) handleParticipantLeft(ctx context.Context, ev models.RoomEvent) error {
	p, err := o.participants.MarkLeftBySID(ctx, ev.ParticipantSID)
	if err != nil {
		return err
	}
	if p == nil {
		// Already left, or a stale SID from a membership span that is long
		// gone. Idempotent no-op.
		o.logger.Debug("participant_left is a no-op", zap.String("participant_sid", ev.ParticipantSID))
		return nil
	}
	return o.fanout.RecordLeave(ctx, p.SessionID, p.UserID.String())
}

// FinishSession flips every joined participant to left, ends the session,
// and drives the fan-out end-of-session path. Safe to call repeatedly; a
// session that is already ended is a no-op. Returns the number of
// participant rows updated. Used by the room_finished path, owner deletion,
// and the reconciliation sweep.
func (o *Orchestrator) FinishSession(ctx context.Context, s *models.Session) (int, error) {
	joined, err := o.participants.ListJoined(ctx, s.ID)
	if err != nil {
		return 0, fmt.Errorf("list joined: %w", err)
	}
	updated := 0
	for _, p := range joined {
		if p.ParticipantSID != nil {
			left, err := o.participants.MarkLeftBySID(ctx, *p.ParticipantSID)
			if err != nil {
				return updated, fmt.Errorf("mark left %s: %w", *p.ParticipantSID, err)
			}
			if left != nil {
				updated++
			}
			continue
		}
		// Join was never confirmed by LiveKit, so there is no SID to key on.
		flipped, err := o.participants.MarkLeftByID(ctx, p.ID)
		if err != nil {
			return updated, fmt.Errorf("mark left %s: %w", p.ID, err)
		}
		if flipped {
			updated++
		}
	}

	ended, err := o.sessions.End(ctx, s.ID)
	if err != nil {
		return updated, fmt.Errorf("end session: %w", err)
	}
	if !ended {
		o.logger.Debug("session already ended", zap.String("session_id", s.ID.String()))
		return updated, nil
	}
	if err := o.fanout.MarkEnded(ctx, s.ID); err != nil {
		return updated, fmt.Errorf("fanout mark ended: %w", err)
	}
	o.logger.Info("session ended",
		zap.String("session_id", s.ID.String()), zap.String("room", s.RoomName), zap.Int("participants_updated", updated))
	return updated, nil
}

// CreateRequest carries the fields for a new session.
type CreateRequest struct {
	OwnerID         uuid.UUID
	OwnerName       string
	Title           string
	RoomName        string // optional; derived from Title when empty
	MaxParticipants int
	EmptyTimeoutSec int
	Metadata        json.RawMessage
}

// CreateSession validates the request, inserts the session in scheduled
// status, creates the LiveKit room, and activates the session. Room creation
// failure marks the session error (terminal) and surfaces the upstream
// failure to the caller.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if req.OwnerID == uuid.Nil || strings.TrimSpace(req.Title) == "" {
		return nil, models.ErrInvalid
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}
	if req.MaxParticipants < 1 || req.EmptyTimeoutSec < 0 {
		return nil, models.ErrInvalid
	}
	roomName := req.RoomName
	if roomName == "" {
		roomName = req.Title
	}
	roomName = normalizeRoomName(roomName)
	if roomName == "" {
		return nil, models.ErrInvalid
	}

	s := &models.Session{
		RoomName:        roomName,
		Title:           strings.TrimSpace(req.Title),
		OwnerID:         req.OwnerID,
		MaxParticipants: req.MaxParticipants,
		EmptyTimeoutSec: req.EmptyTimeoutSec,
		Metadata:        req.Metadata,
	}
	if err := o.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	if err := o.rooms.CreateRoom(ctx, roomName, s.EmptyTimeoutSec, s.MaxParticipants); err != nil {
		if markErr := o.sessions.MarkError(ctx, s.ID); markErr != nil {
			o.logger.Error("mark session error failed", zap.Error(markErr), zap.String("session_id", s.ID.String()))
		}
		return nil, fmt.Errorf("create livekit room: %w", err)
	}

	if _, err := o.sessions.MarkActive(ctx, s.ID); err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	now := time.Now()
	s.Status = models.SessionActive
	s.StartedAt = &now

	host := models.HostInfo{UserID: req.OwnerID, DisplayName: req.OwnerName}
	if err := o.fanout.Initialize(ctx, s.ID, host, now); err != nil {
		// Ephemeral state is a cache; the next subscribe regenerates it.
		o.logger.Warn("initialize live state failed", zap.Error(err), zap.String("session_id", s.ID.String()))
	}

	o.logger.Info("session created",
		zap.String("session_id", s.ID.String()), zap.String("room", roomName))
	return s, nil
}

// DeleteSession ends a session on behalf of its owner. Idempotent when the
// session is already ended. LiveKit room deletion is best-effort: the durable
// transition matters more than the cleanup, and the room's empty timeout
// closes it eventually anyway.
func (o *Orchestrator) DeleteSession(ctx context.Context, id, callerID uuid.UUID) error {
	s, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == models.SessionEnded {
		return nil
	}
	if s.OwnerID != callerID {
		return models.ErrForbidden
	}

	if err := o.rooms.DeleteRoom(ctx, s.RoomName); err != nil {
		o.logger.Warn("delete livekit room failed", zap.Error(err), zap.String("room", s.RoomName))
	}
	_, err = o.FinishSession(ctx, s)
	return err
}

// JoinSession records a joined participant row (without a SID; the
// participant_joined webhook attaches that) and issues a LiveKit access token.
func (o *Orchestrator) JoinSession(ctx context.Context, sessionID, userID uuid.UUID, displayName string, role models.ParticipantRole) (string, *models.Participant, error) {
	if userID == uuid.Nil {
		return "", nil, models.ErrInvalid
	}
	if role != models.RoleHost && role != models.RoleViewer {
		role = models.RoleViewer
	}
	s, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if s.Status != models.SessionActive {
		return "", nil, models.ErrNotActive
	}

	p := &models.Participant{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
	}
	if err := o.participants.CreateJoined(ctx, p); err != nil {
		return "", nil, err
	}

	token, err := o.rooms.AccessToken(s.RoomName, userID.String(), displayName, role, "")
	if err != nil {
		if _, rbErr := o.participants.MarkLeftByID(ctx, p.ID); rbErr != nil {
			o.logger.Error("rollback join failed", zap.Error(rbErr), zap.String("participant_id", p.ID.String()))
		}
		return "", nil, fmt.Errorf("issue access token: %w", err)
	}
	return token, p, nil
}

// normalizeRoomName maps a proposed room name onto the constrained LiveKit
// charset: lowercase alphanumerics, hyphen, underscore. Runs of other
// characters collapse into a single hyphen; leading and trailing separators
// are trimmed.
func normalizeRoomName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	prevSep := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevSep = false
		case r == '-' || r == '_':
			if !prevSep {
				b.WriteRune(r)
				prevSep = true
			}
		default:
			if !prevSep {
				b.WriteByte('-')
				prevSep = true
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}
