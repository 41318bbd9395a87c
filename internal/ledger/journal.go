package ledger

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/ledger/domain"
)

// TransactionRepository is the journal storage contract. It has no update or
// delete methods.
type TransactionRepository interface {
	InsertTransaction(ctx context.Context, q database.Querier, t *domain.Transaction) error
	GetTransaction(ctx context.Context, q database.Querier, id string) (*domain.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*domain.Transaction, error)
	ListTransactionsByReference(ctx context.Context, q database.Querier, referenceID string) ([]*domain.Transaction, error)
	SumTransactions(ctx context.Context, q database.Querier, accountID string) (decimal.Decimal, error)
}

// Journal is the append-only transaction ledger. Appends must share the unit
// of work of the balance change they describe.
type Journal struct {
	transactions TransactionRepository
}

// NewJournal creates a journal
func NewJournal(transactions TransactionRepository) *Journal {
	return &Journal{transactions: transactions}
}

// Entry describes one row to append
type Entry struct {
	AccountID     string
	Amount        decimal.Decimal // signed
	Type          domain.TransactionType
	ReferenceID   string
	ReferenceType string
	Description   string
	Metadata      map[string]any
}

// Append creates one immutable row
func (j *Journal) Append(ctx context.Context, tx database.Querier, e Entry) (*domain.Transaction, error) {
	t, err := domain.NewTransaction(
		ulid.Make().String(),
		e.AccountID,
		e.Amount,
		e.Type,
		e.ReferenceID,
		e.ReferenceType,
		e.Description,
		e.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("building transaction: %w", err)
	}

	if err := j.transactions.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordCredit appends +amount
func (j *Journal) RecordCredit(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal, ref Reference) (*domain.Transaction, error) {
	return j.Append(ctx, tx, ref.entry(accountID, amount, domain.TransactionTypeCredit))
}

// RecordDebit appends -amount
func (j *Journal) RecordDebit(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal, ref Reference) (*domain.Transaction, error) {
	return j.Append(ctx, tx, ref.entry(accountID, amount.Neg(), domain.TransactionTypeDebit))
}

// RecordReserve appends -amount
func (j *Journal) RecordReserve(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal, ref Reference) (*domain.Transaction, error) {
	return j.Append(ctx, tx, ref.entry(accountID, amount.Neg(), domain.TransactionTypeReserve))
}

// RecordRelease appends +amount
func (j *Journal) RecordRelease(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal, ref Reference) (*domain.Transaction, error) {
	return j.Append(ctx, tx, ref.entry(accountID, amount, domain.TransactionTypeRelease))
}

// Get retrieves one row
func (j *Journal) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return j.transactions.GetTransaction(ctx, nil, id)
}

// ListByAccount returns an account's rows, newest first
func (j *Journal) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return j.transactions.ListTransactionsByAccount(ctx, nil, accountID, limit)
}

// ListByReference returns every row caused by one entity
func (j *Journal) ListByReference(ctx context.Context, referenceID string) ([]*domain.Transaction, error) {
	return j.transactions.ListTransactionsByReference(ctx, nil, referenceID)
}

// Reference ties a journal row to the entity that caused it
type Reference struct {
	ID          string
	Type        string
	Description string
	Metadata    map[string]any
}

func (r Reference) entry(accountID string, amount decimal.Decimal, t domain.TransactionType) Entry {
	return Entry{
		AccountID:     accountID,
		Amount:        amount,
		Type:          t,
		ReferenceID:   r.ID,
		ReferenceType: r.Type,
		Description:   r.Description,
		Metadata:      r.Metadata,
	}
}
