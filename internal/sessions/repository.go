package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamhive/backend/internal/models"
)

const sessionColumns = `id, room_name, title, status, owner_id, max_participants, empty_timeout_sec, metadata, started_at, ended_at, created_at, updated_at`

// Repository handles session persistence. Status transitions are expressed as
// single conditional UPDATE statements so concurrent writers cannot race a
// read-then-write sequence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new session in scheduled status. A taken room name maps to
// models.ErrConflict.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, room_name, title, status, owner_id, max_participants, empty_timeout_sec, metadata)
		VALUES (gen_random_uuid(), $1, $2, 'scheduled', $3, $4, $5, COALESCE($6, '{}'::jsonb))
		RETURNING id, status, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, s.RoomName, s.Title, s.OwnerID, s.MaxParticipants, s.EmptyTimeoutSec, s.Metadata).
		Scan(&s.ID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.get(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

// GetByRoomName returns a session by its LiveKit room name.
func (r *Repository) GetByRoomName(ctx context.Context, roomName string) (*models.Session, error) {
	return r.get(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_name = $1`, roomName)
}

func (r *Repository) get(ctx context.Context, q string, arg any) (*models.Session, error) {
	var s models.Session
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&s.ID, &s.RoomName, &s.Title, &s.Status, &s.OwnerID, &s.MaxParticipants,
		&s.EmptyTimeoutSec, &s.Metadata, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// List returns sessions, optionally filtered by owner, newest first.
func (r *Repository) List(ctx context.Context, ownerID *uuid.UUID) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if ownerID != nil {
		q += ` WHERE owner_id = $1`
		args = append(args, *ownerID)
	}
	q += ` ORDER BY created_at DESC`
	return r.list(ctx, q, args...)
}

// ListActive returns all sessions in active status, for the reconciliation sweep.
func (r *Repository) ListActive(ctx context.Context) ([]models.Session, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'active'`)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(
			&s.ID, &s.RoomName, &s.Title, &s.Status, &s.OwnerID, &s.MaxParticipants,
			&s.EmptyTimeoutSec, &s.Metadata, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkActive moves a session from scheduled to active and stamps started_at.
// Returns false when the session was not in scheduled status.
func (r *Repository) MarkActive(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE sessions SET status = 'active', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`
	tag, err := r.pool.Exec(ctx, q, id)
	return tag.RowsAffected() > 0, err
}

// MarkError moves a scheduled session to the terminal error status after room
// creation failed.
func (r *Repository) MarkError(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET status = 'error', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// End moves a session to ended and stamps ended_at. Already-ended and error
// sessions are untouched; returns false for that no-op.
func (r *Repository) End(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE sessions SET status = 'ended', ended_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'active')`
	tag, err := r.pool.Exec(ctx, q, id)
	return tag.RowsAffected() > 0, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
