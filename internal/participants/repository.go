package participants

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamhive/backend/internal/models"
)

const participantColumns = `id, session_id, user_id, display_name, role, status, participant_sid, room_sid, joined_at, left_at, metadata`

// Repository handles participant persistence. Departure updates are keyed by
// the LiveKit participant SID, never by (session, user): a user can rejoin
// with a fresh SID before a stale participant_left event for the old SID
// arrives, and the SID-scoped conditional update keeps that race harmless.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateJoined inserts a joined participant row with no SID yet. A second
// joined row for the same (session, user) violates the partial unique index
// and maps to models.ErrConflict.
func (r *Repository) CreateJoined(ctx context.Context, p *models.Participant) error {
	const q = `INSERT INTO participants (id, session_id, user_id, display_name, role, status, metadata)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'joined', COALESCE($5, '{}'::jsonb))
		RETURNING id, status, joined_at`
	err := r.pool.QueryRow(ctx, q, p.SessionID, p.UserID, p.DisplayName, p.Role, p.Metadata).
		Scan(&p.ID, &p.Status, &p.JoinedAt)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

// AttachSID stores the LiveKit participant and room SIDs on the most recent
// joined row for (session, user) that has no SID yet. Returns false when no
// such row exists (duplicate confirmation, or a join that never went through
// this API).
func (r *Repository) AttachSID(ctx context.Context, sessionID, userID uuid.UUID, participantSID, roomSID string) (bool, error) {
	const q = `UPDATE participants SET participant_sid = $1, room_sid = $2
		WHERE id = (
			SELECT id FROM participants
			WHERE session_id = $3 AND user_id = $4 AND status = 'joined' AND participant_sid IS NULL
			ORDER BY joined_at DESC LIMIT 1
		)`
	tag, err := r.pool.Exec(ctx, q, participantSID, roomSID, sessionID, userID)
	if isUniqueViolation(err) {
		// SID already attached elsewhere: duplicate delivery, not an error.
		return false, nil
	}
	return tag.RowsAffected() > 0, err
}

// MarkLeftBySID flips the row with this SID from joined to left and returns
// it. Unknown SID or already-left rows return (nil, nil): the operation is
// idempotent by design.
func (r *Repository) MarkLeftBySID(ctx context.Context, participantSID string) (*models.Participant, error) {
	const q = `UPDATE participants SET status = 'left', left_at = NOW()
		WHERE participant_sid = $1 AND status = 'joined'
		RETURNING ` + participantColumns
	p, err := r.scanOne(r.pool.QueryRow(ctx, q, participantSID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// MarkLeftByID flips a specific row from joined to left. Used for rows that
// never received a SID (join never confirmed) when their session ends.
func (r *Repository) MarkLeftByID(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE participants SET status = 'left', left_at = NOW()
		WHERE id = $1 AND status = 'joined'`
	tag, err := r.pool.Exec(ctx, q, id)
	return tag.RowsAffected() > 0, err
}

// ListJoined returns all currently-joined participants of a session.
func (r *Repository) ListJoined(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM participants
		WHERE session_id = $1 AND status = 'joined' ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &p.Role, &p.Status,
			&p.ParticipantSID, &p.RoomSID, &p.JoinedAt, &p.LeftAt, &p.Metadata); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) scanOne(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &p.Role, &p.Status,
		&p.ParticipantSID, &p.RoomSID, &p.JoinedAt, &p.LeftAt, &p.Metadata)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
