package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// riverJobArgs carries every job type through a single river kind; the
// dispatcher routes on Type.
type riverJobArgs struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (riverJobArgs) Kind() string { return "settlement_job" }

type riverDispatcher struct {
	river.WorkerDefaults[riverJobArgs]
	queue *River
}

func (d *riverDispatcher) Work(ctx context.Context, job *river.Job[riverJobArgs]) error {
	handler, ok := d.queue.handler(job.Args.Type)
	if !ok {
		return river.JobCancel(fmt.Errorf("no handler subscribed for job type %q", job.Args.Type))
	}

	err := handler(ctx, Job{
		ID:      strconv.FormatInt(job.ID, 10),
		Type:    job.Args.Type,
		Payload: job.Args.Payload,
		Attempt: job.Attempt,
	})
	if err != nil {
		d.queue.logger.Warn("job attempt failed",
			"job_id", job.ID,
			"job_type", job.Args.Type,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)
	}
	return err
}

func (d *riverDispatcher) NextRetry(job *river.Job[riverJobArgs]) time.Time {
	return time.Now().Add(Backoff(d.queue.cfg.BackoffBase, job.Attempt))
}

// River is a Postgres-backed queue. Jobs that exhaust their attempts are left
// in river's discarded state for an operator to inspect.
type River struct {
	client *river.Client[pgx.Tx]
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

var (
	_ Queue  = (*River)(nil)
	_ Runner = (*River)(nil)
)

// MigrateRiver creates or upgrades river's own tables
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrating river schema: %w", err)
	}
	return nil
}

// NewRiver builds a river client on pool. Handlers may be subscribed until
// Start is called.
func NewRiver(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) (*River, error) {
	q := &River{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}

	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, &riverDispatcher{queue: q}); err != nil {
		return nil, fmt.Errorf("registering river worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:     workers,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}
	q.client = client

	return q, nil
}

// Enqueue inserts a job
func (q *River) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	res, err := q.client.Insert(ctx, riverJobArgs{Type: jobType, Payload: data}, &river.InsertOpts{
		MaxAttempts: q.cfg.MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("inserting %s job: %w", jobType, err)
	}

	return strconv.FormatInt(res.Job.ID, 10), nil
}

// Subscribe registers the handler for a job type
func (q *River) Subscribe(jobType string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("handler already subscribed for job type %q", jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

func (q *River) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start begins working jobs
func (q *River) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("starting river client: %w", err)
	}
	q.logger.Info("river queue started", "max_workers", q.cfg.MaxWorkers, "max_attempts", q.cfg.MaxAttempts)
	return nil
}

// Stop waits for in-flight jobs to finish
func (q *River) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}
