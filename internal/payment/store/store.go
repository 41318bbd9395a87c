package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paysettle/internal/common/database"
	"paysettle/internal/payment/domain"
)

// Store provides payment data access on Postgres
type Store struct {
	db database.Querier
}

// New creates a new payment store
func New(db database.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) q(q database.Querier) database.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const paymentColumns = `
	id, account_id, amount, currency, status, provider, external_payment_id,
	payment_method, description, metadata, created_at, updated_at, processed_at`

// CreatePayment inserts a payment
func (s *Store) CreatePayment(ctx context.Context, q database.Querier, p *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.q(q).Exec(ctx, query,
		p.ID,
		p.AccountID,
		p.Amount,
		p.Currency,
		p.Status,
		p.Provider,
		p.ExternalPaymentID,
		p.PaymentMethod,
		p.Description,
		p.Metadata,
		p.CreatedAt,
		p.UpdatedAt,
		p.ProcessedAt,
	)
	if err != nil {
		if database.ViolatedConstraint(err) == database.ConstraintPaymentExternalID {
			return fmt.Errorf("external payment %s: %w", p.ExternalPaymentID, domain.ErrPaymentExists)
		}
		return fmt.Errorf("creating payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, q database.Querier, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.q(q).QueryRow(ctx, query, id))
}

// GetPaymentForUpdate retrieves a payment and locks its row
func (s *Store) GetPaymentForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(s.q(q).QueryRow(ctx, query, id))
}

// GetPaymentByExternalID retrieves a payment by provider payment id
func (s *Store) GetPaymentByExternalID(ctx context.Context, q database.Querier, externalPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_payment_id = $1`
	return scanPayment(s.q(q).QueryRow(ctx, query, externalPaymentID))
}

// ListPaymentsByAccount lists an account's payments, newest first
func (s *Store) ListPaymentsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.q(q).Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating payments: %w", err)
	}
	return payments, nil
}

// UpdatePaymentStatus persists status, processed_at and updated_at
func (s *Store) UpdatePaymentStatus(ctx context.Context, q database.Querier, p *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = $2, processed_at = $3, updated_at = $4
		WHERE id = $1
	`

	result, err := s.q(q).Exec(ctx, query, p.ID, p.Status, p.ProcessedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating payment status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.Provider,
		&p.ExternalPaymentID,
		&p.PaymentMethod,
		&p.Description,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	return &p, nil
}
