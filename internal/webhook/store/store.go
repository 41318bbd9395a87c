package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paysettle/internal/common/database"
	"paysettle/internal/webhook/domain"
)

// Store is the Postgres webhook inbox
type Store struct {
	db database.Querier
}

// New creates a new webhook event store
func New(db database.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) q(q database.Querier) database.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const eventColumns = `
	id, external_id, provider, event_type, payload, status, payment_id,
	error_message, retry_count, created_at, updated_at, processed_at`

// CreateEvent inserts e. When another row already holds e.ExternalID the
// existing row is returned with inserted=false; that is a successful outcome.
// ON CONFLICT keeps an enclosing transaction usable after the race.
func (s *Store) CreateEvent(ctx context.Context, q database.Querier, e *domain.Event) (*domain.Event, bool, error) {
	query := `
		INSERT INTO webhook_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT ` + database.ConstraintWebhookExternalID + ` DO NOTHING
	`

	result, err := s.q(q).Exec(ctx, query,
		e.ID,
		e.ExternalID,
		e.Provider,
		e.EventType,
		e.Payload,
		e.Status,
		e.PaymentID,
		e.ErrorMessage,
		e.RetryCount,
		e.CreatedAt,
		e.UpdatedAt,
		e.ProcessedAt,
	)
	if err != nil && !database.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("creating webhook event: %w", err)
	}
	if err == nil && result.RowsAffected() == 1 {
		return e, true, nil
	}

	existing, err := s.GetEventByExternalID(ctx, q, e.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("reading existing webhook event %s: %w", e.ExternalID, err)
	}
	return existing, false, nil
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, q database.Querier, id string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`
	return scanEvent(s.q(q).QueryRow(ctx, query, id))
}

// GetEventByExternalID retrieves an event by provider event id
func (s *Store) GetEventByExternalID(ctx context.Context, q database.Querier, externalID string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE external_id = $1`
	return scanEvent(s.q(q).QueryRow(ctx, query, externalID))
}

// UpdateEventStatus sets status, stamping processed_at on processed
func (s *Store) UpdateEventStatus(ctx context.Context, q database.Querier, id string, status domain.Status) error {
	query := `
		UPDATE webhook_events
		SET status = $2,
			processed_at = CASE WHEN $2 = 'processed' THEN $3 ELSE processed_at END,
			updated_at = $3
		WHERE id = $1
	`
	return s.exec(ctx, q, "updating webhook event status", query, id, string(status), time.Now().UTC())
}

// FindEventsForRetry returns failed events below the retry ceiling, oldest first
func (s *Store) FindEventsForRetry(ctx context.Context, q database.Querier, maxRetries, limit int) ([]*domain.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := s.q(q).Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("finding webhook events for retry: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook events: %w", err)
	}
	return events, nil
}

// IncrementEventRetryCount adds one to retry_count
func (s *Store) IncrementEventRetryCount(ctx context.Context, q database.Querier, id string) error {
	query := `UPDATE webhook_events SET retry_count = retry_count + 1, updated_at = $2 WHERE id = $1`
	return s.exec(ctx, q, "incrementing webhook event retry count", query, id, time.Now().UTC())
}

// UpdateEventPayment links the event to the payment it affected
func (s *Store) UpdateEventPayment(ctx context.Context, q database.Querier, id, paymentID string) error {
	query := `UPDATE webhook_events SET payment_id = $2, updated_at = $3 WHERE id = $1`
	return s.exec(ctx, q, "updating webhook event payment", query, id, paymentID, time.Now().UTC())
}

// UpdateEventError records the last processing error
func (s *Store) UpdateEventError(ctx context.Context, q database.Querier, id, message string) error {
	query := `UPDATE webhook_events SET error_message = $2, updated_at = $3 WHERE id = $1`
	return s.exec(ctx, q, "updating webhook event error", query, id, message, time.Now().UTC())
}

func (s *Store) exec(ctx context.Context, q database.Querier, op, query string, args ...any) error {
	result, err := s.q(q).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*domain.Event, error) {
	var e domain.Event
	err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&e.Provider,
		&e.EventType,
		&e.Payload,
		&e.Status,
		&e.PaymentID,
		&e.ErrorMessage,
		&e.RetryCount,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, fmt.Errorf("scanning webhook event: %w", err)
	}
	return &e, nil
}
