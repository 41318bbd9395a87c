package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"paysettle/internal/common/queue"
	"paysettle/internal/webhook/domain"
)

// ReceiptStatus is the synchronous answer given to a provider
type ReceiptStatus string

const (
	ReceiptAccepted  ReceiptStatus = "accepted"
	ReceiptDuplicate ReceiptStatus = "duplicate"
)

// Receipt is returned for every delivery that parses
type Receipt struct {
	Status  ReceiptStatus `json:"status"`
	EventID string        `json:"event_id"`
	JobID   string        `json:"job_id,omitempty"`
}

// Intake records incoming deliveries and hands new ones to the queue
type Intake struct {
	guard       *Guard
	events      EventRepository
	queue       queue.Queue
	normalizers Normalizers
	logger      *slog.Logger
}

// NewIntake creates a new intake
func NewIntake(guard *Guard, events EventRepository, q queue.Queue, normalizers Normalizers, logger *slog.Logger) *Intake {
	return &Intake{
		guard:       guard,
		events:      events,
		queue:       q,
		normalizers: normalizers,
		logger:      logger,
	}
}

// Receive stores a delivery and enqueues it for processing exactly when this
// call inserted the event row. Processing failures are never reported here.
func (i *Intake) Receive(ctx context.Context, provider domain.Provider, body json.RawMessage) (*Receipt, error) {
	n, err := i.normalizers.Normalize(provider, body)
	if err != nil {
		return nil, err
	}

	i.logger.Info("webhook received",
		"external_id", n.ExternalID,
		"provider", provider,
		"event_type", n.EventType,
	)

	check, err := i.guard.CheckAndStore(ctx, n.ExternalID, provider)
	if err != nil {
		return nil, err
	}
	if !check.IsNew {
		i.logger.Info("duplicate webhook", "external_id", n.ExternalID, "event_id", check.ExistingEventID)
		return &Receipt{Status: ReceiptDuplicate, EventID: check.ExistingEventID}, nil
	}

	event, err := domain.NewEvent(ulid.Make().String(), n.ExternalID, provider, n.EventType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	stored, inserted, err := i.events.CreateEvent(ctx, nil, event)
	if err != nil {
		return nil, fmt.Errorf("storing webhook %s: %w", n.ExternalID, err)
	}
	if !inserted {
		// lost the insert race to a concurrent delivery
		i.logger.Info("duplicate webhook", "external_id", n.ExternalID, "event_id", stored.ID)
		i.guard.MarkAsProcessed(ctx, n.ExternalID, stored.ID)
		return &Receipt{Status: ReceiptDuplicate, EventID: stored.ID}, nil
	}

	receipt := &Receipt{Status: ReceiptAccepted, EventID: stored.ID}

	jobID, err := i.queue.Enqueue(ctx, JobTypeProcessWebhook, newJobPayload(stored))
	if err != nil {
		i.logger.Error("failed to enqueue webhook", "event_id", stored.ID, "error", err)
		i.parkForRetry(ctx, stored.ID, err)
	} else {
		receipt.JobID = jobID
		i.logger.Info("webhook enqueued", "event_id", stored.ID, "job_id", jobID)
	}

	i.guard.MarkAsProcessed(ctx, n.ExternalID, stored.ID)
	return receipt, nil
}

// parkForRetry leaves an event the queue never saw in the failed state so
// the retrier picks it up.
func (i *Intake) parkForRetry(ctx context.Context, eventID string, cause error) {
	if err := i.events.UpdateEventStatus(ctx, nil, eventID, domain.StatusFailed); err != nil {
		i.logger.Error("failed to park webhook event", "event_id", eventID, "error", err)
		return
	}
	if err := i.events.UpdateEventError(ctx, nil, eventID, "enqueue: "+cause.Error()); err != nil {
		i.logger.Error("failed to record enqueue error", "event_id", eventID, "error", err)
	}
}
