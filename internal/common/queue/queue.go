// Package queue defines the durable job queue contract the webhook processor
// is registered against, plus its river, JetStream and in-memory backends.
// Every backend delivers at least once with a bounded number of attempts and
// exponential backoff between them.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of queued work as seen by a handler
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Attempt is 1 on first delivery and increases on each redelivery.
	Attempt int `json:"-"`
}

// Handler processes a job. A non-nil error schedules a redelivery until the
// attempt budget is spent.
type Handler func(ctx context.Context, job Job) error

// Queue is the minimal broker contract
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
	Subscribe(jobType string, handler Handler) error
}

// Runner is implemented by backends that consume in background workers
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config holds queue configuration
type Config struct {
	Backend     string        `envconfig:"QUEUE_BACKEND" default:"river"`
	MaxAttempts int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	MaxWorkers  int           `envconfig:"QUEUE_MAX_WORKERS" default:"10"`
	BackoffBase time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"2s"`
}

// DefaultConfig mirrors the envconfig defaults
func DefaultConfig() Config {
	return Config{
		Backend:     "river",
		MaxAttempts: 3,
		MaxWorkers:  10,
		BackoffBase: 2 * time.Second,
	}
}

// Backoff returns the delay before the retry that follows the given failed
// attempt: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return base * time.Duration(1<<(attempt-1))
}
