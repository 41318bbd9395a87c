package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"paysettle/internal/common/money"
	"paysettle/internal/webhook/domain"
)

var (
	ErrInvalidPayload  = errors.New("invalid webhook payload")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
)

// Normalizer reduces a provider payload to a Notification
type Normalizer interface {
	Normalize(body json.RawMessage) (domain.Notification, error)
}

// NormalizerFunc adapts a function to Normalizer
type NormalizerFunc func(body json.RawMessage) (domain.Notification, error)

func (f NormalizerFunc) Normalize(body json.RawMessage) (domain.Notification, error) {
	return f(body)
}

// Normalizers maps each provider to its normalizer
type Normalizers map[domain.Provider]Normalizer

// DefaultNormalizers returns normalizers for every supported provider
func DefaultNormalizers() Normalizers {
	return Normalizers{
		domain.ProviderStripe: NormalizerFunc(normalizeStripe),
		domain.ProviderPayPal: NormalizerFunc(normalizePayPal),
		domain.ProviderMock:   NormalizerFunc(normalizeMock),
	}
}

// Normalize dispatches body to the provider's normalizer
func (n Normalizers) Normalize(provider domain.Provider, body json.RawMessage) (domain.Notification, error) {
	normalizer, ok := n[provider]
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	notification, err := normalizer.Normalize(body)
	if err != nil {
		return domain.Notification{}, err
	}
	if notification.ExternalID == "" || notification.EventType == "" {
		return domain.Notification{}, fmt.Errorf("%w: id and event type are required", ErrInvalidPayload)
	}
	notification.Raw = body
	return notification, nil
}

func decode(body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

var stripeKinds = map[string]domain.Kind{
	"payment_intent.succeeded":      domain.KindSucceeded,
	"payment_intent.payment_failed": domain.KindFailed,
	"charge.refunded":               domain.KindRefunded,
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			Metadata struct {
				PaymentID string `json:"payment_id"`
			} `json:"metadata"`
			AmountRefunded *int64 `json:"amount_refunded"`
		} `json:"object"`
	} `json:"data"`
}

func normalizeStripe(body json.RawMessage) (domain.Notification, error) {
	var e stripeEvent
	if err := decode(body, &e); err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		ExternalID: e.ID,
		EventType:  e.Type,
		Kind:       kindOf(stripeKinds, e.Type),
		PaymentID:  e.Data.Object.Metadata.PaymentID,
	}
	if n.Kind == domain.KindRefunded {
		n.RefundedMinor = e.Data.Object.AmountRefunded
	}
	return n, nil
}

var paypalKinds = map[string]domain.Kind{
	"PAYMENT.SALE.COMPLETED": domain.KindSucceeded,
	"PAYMENT.CAPTURE.DENIED": domain.KindFailed,
	"PAYMENT.SALE.REFUNDED":  domain.KindRefunded,
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		CustomID string `json:"custom_id"`
		Amount   *struct {
			Total    string `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"resource"`
}

// PayPal sends major-unit decimal strings; refunds are converted to minor
// units so every provider reaches the processor in the same shape.
func normalizePayPal(body json.RawMessage) (domain.Notification, error) {
	var e paypalEvent
	if err := decode(body, &e); err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		ExternalID: e.ID,
		EventType:  e.EventType,
		Kind:       kindOf(paypalKinds, e.EventType),
		PaymentID:  e.Resource.CustomID,
	}
	if n.Kind == domain.KindRefunded && e.Resource.Amount != nil && e.Resource.Amount.Total != "" {
		total, err := money.ParseAmount(e.Resource.Amount.Total)
		if err != nil {
			return domain.Notification{}, fmt.Errorf("%w: refund total: %v", ErrInvalidPayload, err)
		}
		minor := money.ToMinor(total, money.Currency(strings.ToUpper(e.Resource.Amount.Currency)))
		n.RefundedMinor = &minor
	}
	return n, nil
}

var mockKinds = map[string]domain.Kind{
	"mock.payment.succeeded": domain.KindSucceeded,
	"mock.payment.failed":    domain.KindFailed,
	"mock.payment.refunded":  domain.KindRefunded,
}

type mockEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Data      struct {
		PaymentID      string `json:"payment_id"`
		AmountRefunded *int64 `json:"amount_refunded"`
	} `json:"data"`
}

func normalizeMock(body json.RawMessage) (domain.Notification, error) {
	var e mockEvent
	if err := decode(body, &e); err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		ExternalID: e.ID,
		EventType:  e.EventType,
		Kind:       kindOf(mockKinds, e.EventType),
		PaymentID:  e.Data.PaymentID,
	}
	if n.Kind == domain.KindRefunded {
		n.RefundedMinor = e.Data.AmountRefunded
	}
	return n, nil
}

func kindOf(kinds map[string]domain.Kind, eventType string) domain.Kind {
	if k, ok := kinds[eventType]; ok {
		return k
	}
	return domain.KindUnrecognized
}
