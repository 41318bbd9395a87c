package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
	"paysettle/internal/common/queue"
	"paysettle/internal/ledger"
	ledgerdomain "paysettle/internal/ledger/domain"
	"paysettle/internal/payment"
	paymentdomain "paysettle/internal/payment/domain"
	"paysettle/internal/webhook/domain"
)

// JobTypeProcessWebhook is the queue job type consumed by Processor
const JobTypeProcessWebhook = "process-payment-webhook"

// JobPayload is the queued job body
type JobPayload struct {
	EventID    string          `json:"eventId"`
	ExternalID string          `json:"externalId"`
	EventType  string          `json:"eventType"`
	Provider   domain.Provider `json:"provider"`
	RawPayload json.RawMessage `json:"rawPayload"`
}

func newJobPayload(e *domain.Event) JobPayload {
	return JobPayload{
		EventID:    e.ID,
		ExternalID: e.ExternalID,
		EventType:  e.EventType,
		Provider:   e.Provider,
		RawPayload: e.Payload,
	}
}

// Processor settles one webhook event per job. The payment transition, the
// balance credit, its journal row and the event status all commit together.
type Processor struct {
	events      EventRepository
	payments    *payment.Service
	ledger      *ledger.Ledger
	journal     *ledger.Journal
	tx          database.Transactor
	normalizers Normalizers
	logger      *slog.Logger
}

// NewProcessor creates a new processor
func NewProcessor(
	events EventRepository,
	payments *payment.Service,
	l *ledger.Ledger,
	journal *ledger.Journal,
	tx database.Transactor,
	normalizers Normalizers,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		events:      events,
		payments:    payments,
		ledger:      l,
		journal:     journal,
		tx:          tx,
		normalizers: normalizers,
		logger:      logger,
	}
}

// Handle is the queue.Handler for JobTypeProcessWebhook
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding job %s: %w", job.ID, err)
	}
	if payload.EventID == "" {
		return fmt.Errorf("job %s has no event id", job.ID)
	}

	p.logger.Info("processing webhook job",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"event_id", payload.EventID,
		"event_type", payload.EventType,
	)
	return p.Process(ctx, payload)
}

// Process runs one event through settlement. On failure the unit of work is
// rolled back, the failure is recorded on the event in separate writes, and
// the error is returned so the queue retries the job.
func (p *Processor) Process(ctx context.Context, payload JobPayload) error {
	err := p.tx.WithTx(ctx, func(tx database.Querier) error {
		if err := p.events.UpdateEventStatus(ctx, tx, payload.EventID, domain.StatusProcessing); err != nil {
			return err
		}

		n, err := p.normalizers.Normalize(payload.Provider, payload.RawPayload)
		if err != nil {
			return err
		}

		switch n.Kind {
		case domain.KindSucceeded:
			err = p.settle(ctx, tx, payload.EventID, n, paymentdomain.StatusSucceeded)
		case domain.KindFailed:
			err = p.settle(ctx, tx, payload.EventID, n, paymentdomain.StatusFailed)
		case domain.KindRefunded:
			err = p.settle(ctx, tx, payload.EventID, n, paymentdomain.StatusRefunded)
		default:
			p.logger.Warn("unhandled webhook type", "event_id", payload.EventID, "event_type", n.EventType)
		}
		if err != nil {
			return err
		}

		return p.events.UpdateEventStatus(ctx, tx, payload.EventID, domain.StatusProcessed)
	})
	if err != nil {
		p.logger.Error("webhook processing failed", "event_id", payload.EventID, "error", err)
		p.recordFailure(ctx, payload.EventID, err)
		return fmt.Errorf("processing webhook event %s: %w", payload.EventID, err)
	}

	p.logger.Info("webhook processed", "event_id", payload.EventID)
	return nil
}

func (p *Processor) settle(ctx context.Context, tx database.Querier, eventID string, n domain.Notification, target paymentdomain.Status) error {
	if n.PaymentID == "" {
		return fmt.Errorf("%w: %s event carries no payment id", errs.ErrMissingPaymentReference, n.EventType)
	}

	pay, err := p.payments.GetForUpdate(ctx, tx, n.PaymentID)
	if err != nil {
		return err
	}

	if alreadyApplied(pay.Status, target) {
		p.logger.Info("webhook already applied to payment",
			"event_id", eventID,
			"payment_id", pay.ID,
			"status", pay.Status,
		)
		return p.events.UpdateEventPayment(ctx, tx, eventID, pay.ID)
	}

	if pay.Status == paymentdomain.StatusPending && target != paymentdomain.StatusRefunded {
		if err := p.payments.TransitionTx(ctx, tx, pay, paymentdomain.StatusProcessing); err != nil {
			return err
		}
	}
	if err := p.payments.TransitionTx(ctx, tx, pay, target); err != nil {
		return err
	}

	switch target {
	case paymentdomain.StatusSucceeded:
		err = p.credit(ctx, tx, pay, pay.Amount, ledgerdomain.ReferenceTypePayment,
			fmt.Sprintf("Payment %s succeeded", pay.ID))
	case paymentdomain.StatusRefunded:
		err = p.credit(ctx, tx, pay, refundAmount(pay, n), ledgerdomain.ReferenceTypeRefund,
			fmt.Sprintf("Refund for payment %s", pay.ID))
	}
	if err != nil {
		return err
	}

	return p.events.UpdateEventPayment(ctx, tx, eventID, pay.ID)
}

func (p *Processor) credit(ctx context.Context, tx database.Querier, pay *paymentdomain.Payment, amount decimal.Decimal, refType, description string) error {
	if _, err := p.ledger.CreditTx(ctx, tx, pay.AccountID, amount); err != nil {
		return err
	}
	_, err := p.journal.RecordCredit(ctx, tx, pay.AccountID, amount, ledger.Reference{
		ID:          pay.ID,
		Type:        refType,
		Description: description,
	})
	if err != nil {
		return err
	}

	p.logger.Info("payment credited",
		"payment_id", pay.ID,
		"account_id", pay.AccountID,
		"amount", amount.String(),
		"reference_type", refType,
	)
	return nil
}

// alreadyApplied reports whether a redelivered event finds its transition
// already committed. A refunded payment has necessarily succeeded before.
func alreadyApplied(current, target paymentdomain.Status) bool {
	return current == target ||
		(target == paymentdomain.StatusSucceeded && current == paymentdomain.StatusRefunded)
}

// refundAmount converts the provider's minor-unit refund, falling back to the
// payment amount when none is given.
func refundAmount(pay *paymentdomain.Payment, n domain.Notification) decimal.Decimal {
	if n.RefundedMinor == nil || *n.RefundedMinor <= 0 {
		return pay.Amount
	}
	return money.FromMinor(*n.RefundedMinor, pay.Currency)
}

// recordFailure runs outside the rolled back unit of work so the bookkeeping
// survives it.
func (p *Processor) recordFailure(ctx context.Context, eventID string, cause error) {
	if errors.Is(cause, domain.ErrEventNotFound) {
		return
	}
	if err := p.events.UpdateEventStatus(ctx, nil, eventID, domain.StatusFailed); err != nil {
		p.logger.Error("failed to mark webhook failed", "event_id", eventID, "error", err)
	}
	if err := p.events.UpdateEventError(ctx, nil, eventID, cause.Error()); err != nil {
		p.logger.Error("failed to record webhook error", "event_id", eventID, "error", err)
	}
	if err := p.events.IncrementEventRetryCount(ctx, nil, eventID); err != nil {
		p.logger.Error("failed to increment webhook retry count", "event_id", eventID, "error", err)
	}
}
