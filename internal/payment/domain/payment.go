package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
)

var (
	ErrPaymentNotFound   = fmt.Errorf("payment %w", errs.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: illegal payment transition", errs.ErrInvalidState)
	ErrPaymentExists     = fmt.Errorf("%w: external payment id already recorded", errs.ErrConflict)
)

// Status is a payment lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every state
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusRefunded,
	StatusCancelled,
}

// transitions is the complete table of legal moves. A state missing from the
// map is terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSucceeded, StatusFailed},
	StatusSucceeded:  {StatusRefunded},
	StatusFailed:     {StatusPending},
}

// CanTransitionTo reports whether current -> target is in the table
func CanTransitionTo(current, target Status) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known state
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Payment records one external payment attempt against an account
type Payment struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          money.Currency  `json:"currency"`
	Status            Status          `json:"status"`
	Provider          string          `json:"provider"`
	ExternalPaymentID string          `json:"external_payment_id"`
	PaymentMethod     string          `json:"payment_method"`
	Description       string          `json:"description"`
	Metadata          map[string]any  `json:"metadata"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// NewPaymentParams holds the inputs for NewPayment. PaymentMethod,
// Description and Metadata are optional.
type NewPaymentParams struct {
	ID                string
	AccountID         string
	Amount            decimal.Decimal
	Currency          money.Currency
	Provider          string
	ExternalPaymentID string
	PaymentMethod     string
	Description       string
	Metadata          map[string]any
}

// NewPayment creates a pending payment
func NewPayment(p NewPaymentParams) (*Payment, error) {
	if p.ID == "" {
		return nil, errors.New("id is required")
	}
	if p.AccountID == "" {
		return nil, errors.New("account_id is required")
	}
	if p.Provider == "" {
		return nil, errors.New("provider is required")
	}
	if p.ExternalPaymentID == "" {
		return nil, errors.New("external_payment_id is required")
	}
	if !p.Currency.Valid() {
		return nil, fmt.Errorf("unsupported currency %q", p.Currency)
	}
	if err := money.ValidateAmount(p.Amount); err != nil {
		return nil, err
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := time.Now().UTC()
	return &Payment{
		ID:                p.ID,
		AccountID:         p.AccountID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            StatusPending,
		Provider:          p.Provider,
		ExternalPaymentID: p.ExternalPaymentID,
		PaymentMethod:     p.PaymentMethod,
		Description:       p.Description,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// CanTransitionTo reports whether the payment may move to target
func (p *Payment) CanTransitionTo(target Status) bool {
	return CanTransitionTo(p.Status, target)
}

// TransitionTo moves the payment to target. Reaching an outcome state
// (succeeded, failed, refunded) stamps ProcessedAt.
func (p *Payment) TransitionTo(target Status) error {
	if !p.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, target)
	}

	now := time.Now().UTC()
	p.Status = target
	p.UpdatedAt = now
	switch target {
	case StatusSucceeded, StatusFailed, StatusRefunded:
		p.ProcessedAt = &now
	}
	return nil
}

// CanBeRefunded reports whether a refund may be applied
func (p *Payment) CanBeRefunded() bool {
	return p.Status == StatusSucceeded && p.Amount.IsPositive()
}
