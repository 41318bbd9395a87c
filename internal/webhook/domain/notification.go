package domain

import "encoding/json"

// Kind is the normalized meaning of a provider notification
type Kind string

const (
	KindSucceeded    Kind = "succeeded"
	KindFailed       Kind = "failed"
	KindRefunded     Kind = "refunded"
	KindUnrecognized Kind = "unrecognized"
)

// Notification is a provider payload reduced to what settlement needs.
// PaymentID may be empty when the provider omitted the correlation id;
// RefundedMinor is set only for refunds that carry an amount.
type Notification struct {
	ExternalID    string
	EventType     string
	Kind          Kind
	PaymentID     string
	RefundedMinor *int64
	Raw           json.RawMessage
}
