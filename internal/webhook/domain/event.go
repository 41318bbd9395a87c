package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paysettle/internal/common/errs"
)

var ErrEventNotFound = fmt.Errorf("webhook event %w", errs.ErrNotFound)

// Provider identifies the payment provider that sent a notification
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderMock   Provider = "mock"
)

// Valid reports whether p is a supported provider
func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPayPal, ProviderMock:
		return true
	}
	return false
}

// Status is the processing state of an inbox entry
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
)

// DefaultMaxRetries is the default retry ceiling for failed events
const DefaultMaxRetries = 3

// RetryPolicy carries the retry ceiling. The same value drives Event.CanRetry
// and the store's retry query.
type RetryPolicy struct {
	MaxRetries int
}

// DefaultRetryPolicy returns the policy with DefaultMaxRetries
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries}
}

// Allows reports whether an event that has failed retryCount times is
// still eligible for automatic retry
func (p RetryPolicy) Allows(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Event is one externally delivered notification, keyed by the provider's
// event id
type Event struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"external_id"`
	Provider     Provider        `json:"provider"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	PaymentID    *string         `json:"payment_id,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// NewEvent creates a pending event
func NewEvent(id, externalID string, provider Provider, eventType string, payload json.RawMessage) (*Event, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if externalID == "" {
		return nil, errors.New("external_id is required")
	}
	if !provider.Valid() {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	if eventType == "" {
		return nil, errors.New("event_type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	return &Event{
		ID:         id,
		ExternalID: externalID,
		Provider:   provider,
		EventType:  eventType,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (e *Event) IsPending() bool    { return e.Status == StatusPending }
func (e *Event) IsProcessing() bool { return e.Status == StatusProcessing }
func (e *Event) IsProcessed() bool  { return e.Status == StatusProcessed }
func (e *Event) IsFailed() bool     { return e.Status == StatusFailed }
func (e *Event) IsDuplicate() bool  { return e.Status == StatusDuplicate }

// CanRetry reports whether a failed event is still eligible for retry
func (e *Event) CanRetry(policy RetryPolicy) bool {
	return e.IsFailed() && policy.Allows(e.RetryCount)
}
