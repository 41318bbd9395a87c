package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/errs"
)

var ErrTransactionNotFound = fmt.Errorf("transaction %w", errs.ErrNotFound)

// TransactionType classifies a journal row
type TransactionType string

const (
	TransactionTypeCredit  TransactionType = "credit"
	TransactionTypeDebit   TransactionType = "debit"
	TransactionTypeReserve TransactionType = "reserve"
	TransactionTypeRelease TransactionType = "release"
)

// Reference types used by this service. ReferenceType is free-form.
const (
	ReferenceTypePayment = "payment"
	ReferenceTypeRefund  = "refund"
	ReferenceTypeManual  = "manual"
)

// Transaction is an immutable journal row. A positive amount increases the
// available balance and a negative amount decreases or holds it.
type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Type          TransactionType `json:"type"`
	ReferenceID   string          `json:"reference_id"`
	ReferenceType string          `json:"reference_type"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewTransaction builds a journal row
func NewTransaction(id, accountID string, amount decimal.Decimal, txType TransactionType, referenceID, referenceType, description string, metadata map[string]any) (*Transaction, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if accountID == "" {
		return nil, errors.New("account_id is required")
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: transaction amount must be non-zero", errs.ErrInvalidAmount)
	}
	switch txType {
	case TransactionTypeCredit, TransactionTypeDebit, TransactionTypeReserve, TransactionTypeRelease:
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}
	if referenceID == "" {
		return nil, errors.New("reference_id is required")
	}
	if referenceType == "" {
		return nil, errors.New("reference_type is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &Transaction{
		ID:            id,
		AccountID:     accountID,
		Amount:        amount,
		Type:          txType,
		ReferenceID:   referenceID,
		ReferenceType: referenceType,
		Description:   description,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// SignedSum totals amounts of the given rows
func SignedSum(txs []*Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Amount)
	}
	return sum
}
