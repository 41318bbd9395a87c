package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/ledger/domain"
)

// Store provides account and transaction data access on Postgres. Every
// method takes the Querier to run on; a nil Querier runs on the pool outside
// any unit of work.
type Store struct {
	db database.Querier
}

// New creates a new ledger store
func New(db database.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) q(q database.Querier) database.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const accountColumns = `
	id, owner_id, balance, reserved_balance, currency, status, is_primary,
	metadata, created_at, updated_at`

// CreateAccount inserts a new account
func (s *Store) CreateAccount(ctx context.Context, q database.Querier, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.q(q).Exec(ctx, query,
		account.ID,
		account.OwnerID,
		account.Balance,
		account.ReservedBalance,
		account.Currency,
		account.Status,
		account.IsPrimary,
		account.Metadata,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		switch database.ViolatedConstraint(err) {
		case database.ConstraintAccountOwnerCurr:
			return fmt.Errorf("owner %s currency %s: %w", account.OwnerID, account.Currency, domain.ErrAccountExists)
		case database.ConstraintAccountOnePrimary:
			return fmt.Errorf("owner %s: %w", account.OwnerID, domain.ErrPrimaryExists)
		}
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, q database.Querier, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(s.q(q).QueryRow(ctx, query, id))
}

// GetAccountForUpdate retrieves an account and locks its row until the
// enclosing transaction ends. q must be a transaction for the lock to matter.
func (s *Store) GetAccountForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(s.q(q).QueryRow(ctx, query, id))
}

// GetPrimaryAccount retrieves the owner's primary account
func (s *Store) GetPrimaryAccount(ctx context.Context, q database.Querier, ownerID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1 AND is_primary`
	return scanAccount(s.q(q).QueryRow(ctx, query, ownerID))
}

// UpdateBalances persists balance and reserved balance
func (s *Store) UpdateBalances(ctx context.Context, q database.Querier, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET balance = $2, reserved_balance = $3, updated_at = $4
		WHERE id = $1
	`

	result, err := s.q(q).Exec(ctx, query, account.ID, account.Balance, account.ReservedBalance, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating account balances: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.Balance,
		&a.ReservedBalance,
		&a.Currency,
		&a.Status,
		&a.IsPrimary,
		&a.Metadata,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

const transactionColumns = `
	id, account_id, amount, type, reference_id, reference_type, description,
	metadata, created_at`

// InsertTransaction appends a journal row. Journal rows are never updated or
// deleted.
func (s *Store) InsertTransaction(ctx context.Context, q database.Querier, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.q(q).Exec(ctx, query,
		t.ID,
		t.AccountID,
		t.Amount,
		t.Type,
		t.ReferenceID,
		t.ReferenceType,
		t.Description,
		t.Metadata,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a journal row by ID
func (s *Store) GetTransaction(ctx context.Context, q database.Querier, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(s.q(q).QueryRow(ctx, query, id))
}

// ListTransactionsByAccount returns an account's rows, newest first
func (s *Store) ListTransactionsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return s.listTransactions(ctx, q, query, accountID, limit)
}

// ListTransactionsByReference returns every row caused by one entity
func (s *Store) ListTransactionsByReference(ctx context.Context, q database.Querier, referenceID string) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reference_id = $1
		ORDER BY created_at, id
	`
	return s.listTransactions(ctx, q, query, referenceID)
}

// SumTransactions returns the signed sum of an account's rows
func (s *Store) SumTransactions(ctx context.Context, q database.Querier, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.q(q).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1`,
		accountID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) listTransactions(ctx context.Context, q database.Querier, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := s.q(q).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Amount,
		&t.Type,
		&t.ReferenceID,
		&t.ReferenceType,
		&t.Description,
		&t.Metadata,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return &t, nil
}
