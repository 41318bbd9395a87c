package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paysettle/internal/common/queue"
	"paysettle/internal/webhook/domain"
)

// Retrier re-enqueues failed events that are still below the retry ceiling.
// Events at the ceiling stay failed until an operator intervenes.
type Retrier struct {
	events EventRepository
	queue  queue.Queue
	policy domain.RetryPolicy
	logger *slog.Logger
}

// NewRetrier creates a new retrier
func NewRetrier(events EventRepository, q queue.Queue, policy domain.RetryPolicy, logger *slog.Logger) *Retrier {
	return &Retrier{events: events, queue: q, policy: policy, logger: logger}
}

// RequeueFailed enqueues up to limit retryable events and returns how many
// were enqueued. Each event is moved back to pending first so the next sweep
// does not pick it up again while the job is in flight.
func (r *Retrier) RequeueFailed(ctx context.Context, limit int) (int, error) {
	events, err := r.events.FindEventsForRetry(ctx, nil, r.policy.MaxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("finding retryable webhooks: %w", err)
	}

	requeued := 0
	for _, e := range events {
		if !e.CanRetry(r.policy) {
			continue
		}
		if err := r.events.UpdateEventStatus(ctx, nil, e.ID, domain.StatusPending); err != nil {
			r.logger.Error("failed to reset webhook event", "event_id", e.ID, "error", err)
			continue
		}

		jobID, err := r.queue.Enqueue(ctx, JobTypeProcessWebhook, newJobPayload(e))
		if err != nil {
			r.logger.Error("failed to requeue webhook event", "event_id", e.ID, "error", err)
			if err := r.events.UpdateEventStatus(ctx, nil, e.ID, domain.StatusFailed); err != nil {
				r.logger.Error("failed to restore webhook event", "event_id", e.ID, "error", err)
			}
			continue
		}

		r.logger.Info("webhook event requeued",
			"event_id", e.ID,
			"job_id", jobID,
			"retry_count", e.RetryCount,
		)
		requeued++
	}
	return requeued, nil
}

// Run sweeps every interval until ctx is done
func (r *Retrier) Run(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RequeueFailed(ctx, limit)
			if err != nil {
				r.logger.Error("webhook retry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("webhook retry sweep", "requeued", n)
			}
		}
	}
}
