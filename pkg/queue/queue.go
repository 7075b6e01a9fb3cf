package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueWebhooks is the Redis list key for pending webhook jobs.
	QueueWebhooks = "webhook:jobs"
	// QueueFailed holds jobs that exhausted their retries, kept for manual triage.
	QueueFailed = "webhook:failed"
	// retrySet is a sorted set of delayed retries, scored by due time (unix ms).
	retrySet = "webhook:retry"
	// dedupPrefix keys the per-event-id submission guard.
	dedupPrefix = "webhook:job:"
	// dedupTTL matches the processed-webhook ledger window.
	dedupTTL = 24 * time.Hour

	popTimeout   = 5 * time.Second
	promoteBatch = 100
)

// Job is the envelope stored on the queue.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// store is the Redis surface the queue runs on, split out so the queue's
// dedup, retry, and promotion contracts are testable without a server.
type store interface {
	// SetNX sets a guard key if absent; true means this call claimed it.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Push(ctx context.Context, list string, raw []byte) error
	// BlockingPop waits up to timeout for a list entry; (nil, nil) on timeout.
	BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)
	ScheduleDelayed(ctx context.Context, set string, raw []byte, due time.Time) error
	DueDelayed(ctx context.Context, set string, now time.Time, limit int64) ([]string, error)
	// ClaimDelayed removes one entry from the delayed set; false means a
	// concurrent claimer got there first.
	ClaimDelayed(ctx context.Context, set, raw string) (bool, error)
	Range(ctx context.Context, list string, limit int64) ([]string, error)
}

// Queue is a durable Redis-backed job queue for webhook notifications.
// Submission is idempotent per job id: LiveKit delivers at-least-once, and
// over-delivery collapses into one queued job via a SETNX guard.
type Queue struct {
	store       store
	logger      *zap.Logger
	maxRetries  int
	backoffBase time.Duration
}

// NewQueue creates a webhook job queue. maxRetries and backoffBase control the
// retry schedule: delay doubles per attempt starting at backoffBase.
func NewQueue(client *redis.Client, maxRetries int, backoffBase time.Duration, logger *zap.Logger) *Queue {
	return newQueue(&redisStore{client: client}, maxRetries, backoffBase, logger)
}

func newQueue(s store, maxRetries int, backoffBase time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Queue{store: s, logger: logger, maxRetries: maxRetries, backoffBase: backoffBase}
}

// Submit enqueues a job keyed by id. A second Submit with the same id within
// the dedup window is a no-op and returns nil.
func (q *Queue) Submit(ctx context.Context, id, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ok, err := q.store.SetNX(ctx, dedupPrefix+id, dedupTTL)
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		q.logger.Debug("duplicate job submission ignored", zap.String("job_id", id), zap.String("kind", kind))
		return nil
	}
	raw, err := json.Marshal(Job{
		ID:         id,
		Kind:       kind,
		Payload:    body,
		Attempt:    0,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.store.Push(ctx, QueueWebhooks, raw); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("job enqueued", zap.String("job_id", id), zap.String("kind", kind))
	return nil
}

// Dequeue blocks up to a few seconds for a job, promoting any due retries
// first. Returns (nil, nil) when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDueRetries(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("promote retries", zap.Error(err))
	}
	raw, err := q.store.BlockingPop(ctx, QueueWebhooks, popTimeout)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		q.logger.Warn("invalid job payload dropped", zap.ByteString("raw", raw), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry schedules a failed job for redelivery with exponential backoff.
// After maxRetries attempts the job is moved to the failed list instead:
// automatic recovery has failed and an operator needs to look at it.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt > q.maxRetries {
		if err := q.store.Push(ctx, QueueFailed, raw); err != nil {
			return fmt.Errorf("push failed list: %w", err)
		}
		q.logger.Warn("job moved to failed list",
			zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempt))
		return nil
	}
	due := time.Now().Add(q.backoffDelay(job.Attempt))
	if err := q.store.ScheduleDelayed(ctx, retrySet, raw, due); err != nil {
		return fmt.Errorf("zadd retry: %w", err)
	}
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Time("due", due))
	return nil
}

// Failed returns up to limit jobs from the failed list for inspection.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]Job, error) {
	raws, err := q.store.Range(ctx, QueueFailed, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, r := range raws {
		var job Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// promoteDueRetries moves due entries from the retry set back onto the main
// list. The claim (ZRem) happens before the push so concurrent instances
// cannot double-promote an entry.
func (q *Queue) promoteDueRetries(ctx context.Context) error {
	raws, err := q.store.DueDelayed(ctx, retrySet, time.Now(), promoteBatch)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		claimed, err := q.store.ClaimDelayed(ctx, retrySet, raw)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if err := q.store.Push(ctx, QueueWebhooks, []byte(raw)); err != nil {
			return err
		}
	}
	return nil
}

// redisStore implements store on a go-redis client.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, 1, ttl).Result()
}

func (s *redisStore) Push(ctx context.Context, list string, raw []byte) error {
	return s.client.RPush(ctx, list, raw).Err()
}

func (s *redisStore) BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	result, err := s.client.BLPop(ctx, timeout, list).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}

func (s *redisStore) ScheduleDelayed(ctx context.Context, set string, raw []byte, due time.Time) error {
	return s.client.ZAdd(ctx, set, redis.Z{Score: float64(due.UnixMilli()), Member: raw}).Err()
}

func (s *redisStore) DueDelayed(ctx context.Context, set string, now time.Time, limit int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

func (s *redisStore) ClaimDelayed(ctx context.Context, set, raw string) (bool, error) {
	removed, err := s.client.ZRem(ctx, set, raw).Result()
	return removed > 0, err
}

func (s *redisStore) Range(ctx context.Context, list string, limit int64) ([]string, error) {
	return s.client.LRange(ctx, list, 0, limit-1).Result()
}
