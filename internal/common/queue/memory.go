package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process queue. Jobs run only when Drain is called, which
// makes delivery order and retries deterministic in tests. Backoff delays are
// recorded but not slept.
type Memory struct {
	cfg Config

	mu       sync.Mutex
	handlers map[string]Handler
	pending  []Job
	dead     []Job
	delays   []Delay
}

// Delay records a scheduled retry
type Delay struct {
	JobID   string
	Attempt int
	Wait    string
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-memory queue
func NewMemory(cfg Config) *Memory {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Memory{cfg: cfg, handlers: make(map[string]Handler)}
}

// Enqueue appends a job
func (q *Memory) Enqueue(_ context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}
	job := Job{ID: ulid.Make().String(), Type: jobType, Payload: data}

	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	return job.ID, nil
}

// Subscribe registers the handler for a job type
func (q *Memory) Subscribe(jobType string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("handler already subscribed for job type %q", jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// Pending returns a snapshot of jobs not yet drained
func (q *Memory) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.pending...)
}

// Dead returns jobs that exhausted their attempts
func (q *Memory) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Delays returns every retry scheduled so far
func (q *Memory) Delays() []Delay {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delay(nil), q.delays...)
}

// Drain runs every pending job to completion, retrying failures up to the
// attempt budget. Jobs enqueued by handlers are drained too.
func (q *Memory) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		handler, ok := q.handlers[job.Type]
		q.mu.Unlock()

		if !ok {
			return fmt.Errorf("no handler subscribed for job type %q", job.Type)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.run(ctx, job, handler)
	}
}

func (q *Memory) run(ctx context.Context, job Job, handler Handler) {
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		job.Attempt = attempt
		if err := handler(ctx, job); err == nil {
			return
		}
		if attempt < q.cfg.MaxAttempts {
			q.mu.Lock()
			q.delays = append(q.delays, Delay{
				JobID:   job.ID,
				Attempt: attempt,
				Wait:    Backoff(q.cfg.BackoffBase, attempt).String(),
			})
			q.mu.Unlock()
		}
	}

	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
}
