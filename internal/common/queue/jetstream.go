package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"
)

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"paysettle"`
	Stream        string        `envconfig:"NATS_STREAM" default:"SETTLEMENT_JOBS"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	AckWait       time.Duration `envconfig:"NATS_ACK_WAIT" default:"30s"`
}

const subjectPrefix = "jobs."

// JetStream is a NATS JetStream backed queue. Each job type gets a durable
// consumer whose MaxDeliver is the attempt budget; failed deliveries are
// negatively acknowledged with an exponential delay.
type JetStream struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	ncfg   NATSConfig
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	iters    []jetstream.MessagesContext
	wg       sync.WaitGroup
}

var (
	_ Queue  = (*JetStream)(nil)
	_ Runner = (*JetStream)(nil)
)

// ConnectJetStream connects to NATS and ensures the job stream exists
func ConnectJetStream(ctx context.Context, ncfg NATSConfig, cfg Config, logger *slog.Logger) (*JetStream, error) {
	opts := []nats.Option{
		nats.Name(ncfg.Name),
		nats.MaxReconnects(ncfg.MaxReconnects),
		nats.ReconnectWait(ncfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(ncfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      ncfg.Stream,
		Subjects:  []string{subjectPrefix + ">"},
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating/updating stream %s: %w", ncfg.Stream, err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "stream", ncfg.Stream)

	return &JetStream{
		conn:     conn,
		js:       js,
		ncfg:     ncfg,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Enqueue publishes a job. The job id doubles as the JetStream message id so
// a retried publish is deduplicated by the server.
func (q *JetStream) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	job := Job{ID: ulid.Make().String(), Type: jobType, Payload: data}
	msg, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	if _, err := q.js.Publish(ctx, subjectPrefix+jobType, msg, jetstream.WithMsgID(job.ID)); err != nil {
		return "", fmt.Errorf("publishing %s job: %w", jobType, err)
	}

	return job.ID, nil
}

// Subscribe registers the handler for a job type. Consumption begins on Start.
func (q *JetStream) Subscribe(jobType string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("handler already subscribed for job type %q", jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// Start creates one durable consumer per subscribed job type and consumes
// each in its own goroutine.
func (q *JetStream) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for jobType, handler := range q.handlers {
		name := consumerName(jobType)
		consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.ncfg.Stream, jetstream.ConsumerConfig{
			Name:          name,
			Durable:       name,
			FilterSubject: subjectPrefix + jobType,
			MaxDeliver:    q.cfg.MaxAttempts,
			AckWait:       q.ncfg.AckWait,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("creating/updating consumer %s: %w", name, err)
		}

		iter, err := consumer.Messages()
		if err != nil {
			return fmt.Errorf("getting message iterator: %w", err)
		}
		q.iters = append(q.iters, iter)

		q.wg.Add(1)
		go func(jobType string, handler Handler) {
			defer q.wg.Done()
			q.consume(ctx, iter, jobType, handler)
		}(jobType, handler)

		q.logger.Info("consumer started", "name", name, "job_type", jobType, "max_deliver", q.cfg.MaxAttempts)
	}

	return nil
}

func (q *JetStream) consume(ctx context.Context, iter jetstream.MessagesContext, jobType string, handler Handler) {
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return
			}
			q.logger.Error("error getting next message", "job_type", jobType, "error", err)
			continue
		}

		var job Job
		if err := json.Unmarshal(msg.Data(), &job); err != nil {
			q.logger.Error("error unmarshaling job", "job_type", jobType, "error", err)
			_ = msg.Term()
			continue
		}

		attempt := 1
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}
		job.Attempt = attempt

		if err := handler(ctx, job); err != nil {
			if attempt >= q.cfg.MaxAttempts {
				q.logger.Error("job exhausted attempts",
					"job_id", job.ID,
					"job_type", jobType,
					"attempt", attempt,
					"error", err,
				)
				_ = msg.Term()
				continue
			}
			q.logger.Warn("job attempt failed",
				"job_id", job.ID,
				"job_type", jobType,
				"attempt", attempt,
				"error", err,
			)
			_ = msg.NakWithDelay(Backoff(q.cfg.BackoffBase, attempt))
			continue
		}

		if err := msg.Ack(); err != nil {
			q.logger.Error("error acknowledging message", "job_id", job.ID, "error", err)
		}
	}
}

// Stop stops every consumer and closes the connection
func (q *JetStream) Stop(ctx context.Context) error {
	q.mu.Lock()
	for _, iter := range q.iters {
		iter.Stop()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	q.conn.Close()
	return nil
}

// HealthCheck checks NATS connection health
func (q *JetStream) HealthCheck() error {
	if !q.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

func consumerName(jobType string) string {
	return "worker_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(jobType)
}
