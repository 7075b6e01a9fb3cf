package webhooks

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamhive/backend/internal/models"
)

// Repository is the processed-webhook dedup ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a webhook ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// MarkProcessed records the event id and returns true if this call claimed
// it. ON CONFLICT DO NOTHING makes a concurrent insert race collapse into a
// single winner; the loser sees false and skips processing.
func (r *Repository) MarkProcessed(ctx context.Context, id string, kind models.EventKind) (bool, error) {
	const q = `INSERT INTO processed_webhooks (id, event_kind, processed_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, id, kind)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpired removes ledger rows past their expiry and returns the count.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM processed_webhooks WHERE expires_at < NOW()`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
