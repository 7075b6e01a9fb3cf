// Package worker runs the webhook notification processors: a bounded pool of
// goroutines that pull verified events off the queue and apply them through
// the orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/pkg/queue"
)

// JobQueue is the queue surface the pool consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Ledger is the processed-webhook dedup ledger.
type Ledger interface {
	MarkProcessed(ctx context.Context, id string, kind models.EventKind) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// EventHandler applies one webhook event to durable and ephemeral state.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.RoomEvent) error
}

// Pool dequeues webhook jobs with bounded concurrency. Failures inside the
// handler propagate to the queue's retry path; the pool never swallows them.
type Pool struct {
	queue       JobQueue
	ledger      Ledger
	handler     EventHandler
	concurrency int
	logger      *zap.Logger
}

// NewPool creates a processor pool.
func NewPool(q JobQueue, ledger Ledger, handler EventHandler, concurrency int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Pool{queue: q, ledger: ledger, handler: handler, concurrency: concurrency, logger: logger}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runWorker(ctx, n)
		}(i)
	}
	p.logger.Info("webhook workers started", zap.Int("concurrency", p.concurrency))
	wg.Wait()
	p.logger.Info("webhook workers stopped")
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err), zap.Int("worker", n))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed",
				zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr), zap.String("job_id", job.ID))
			}
		}
	}
}

// Process applies one job. The ledger insert happens before the orchestrator
// runs: a crash in between under-processes (the sweep corrects session-level
// drift), which is preferred over double-applying non-idempotent state.
func (p *Pool) Process(ctx context.Context, job *queue.Job) error {
	var ev models.RoomEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		// Unparseable payloads never improve on retry.
		p.logger.Error("job payload unparseable, dropping", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	claimed, err := p.ledger.MarkProcessed(ctx, ev.ID, ev.Kind)
	if err != nil {
		return fmt.Errorf("dedup ledger: %w", err)
	}
	if !claimed {
		p.logger.Debug("event already processed", zap.String("event_id", ev.ID))
		return nil
	}

	return p.handler.HandleEvent(ctx, ev)
}

// RunLedgerCleanup deletes expired dedup ledger rows on an hourly timer
// until ctx is cancelled.
func (p *Pool) RunLedgerCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := p.ledger.DeleteExpired(ctx)
			if err != nil {
				p.logger.Error("ledger cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				p.logger.Info("ledger cleanup", zap.Int64("deleted", deleted))
			}
		}
	}
}
