package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/common/money"
	"paysettle/internal/payment/domain"
)

// Repository is the payment storage contract
type Repository interface {
	CreatePayment(ctx context.Context, q database.Querier, p *domain.Payment) error
	GetPayment(ctx context.Context, q database.Querier, id string) (*domain.Payment, error)
	GetPaymentForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Payment, error)
	GetPaymentByExternalID(ctx context.Context, q database.Querier, externalPaymentID string) (*domain.Payment, error)
	ListPaymentsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*domain.Payment, error)
	UpdatePaymentStatus(ctx context.Context, q database.Querier, p *domain.Payment) error
}

// Service applies payment lifecycle transitions
type Service struct {
	payments Repository
	tx       database.Transactor
	logger   *slog.Logger
}

// NewService creates a new payment service
func NewService(payments Repository, tx database.Transactor, logger *slog.Logger) *Service {
	return &Service{payments: payments, tx: tx, logger: logger}
}

// CreateRequest is the request to record a new payment attempt
type CreateRequest struct {
	AccountID         string          `json:"account_id" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          money.Currency  `json:"currency" validate:"required,oneof=USD EUR GBP ARS"`
	Provider          string          `json:"provider" validate:"required"`
	ExternalPaymentID string          `json:"external_payment_id" validate:"required"`
	PaymentMethod     string          `json:"payment_method"`
	Description       string          `json:"description"`
	Metadata          map[string]any  `json:"metadata"`
}

// Create records a pending payment
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Payment, error) {
	p, err := domain.NewPayment(domain.NewPaymentParams{
		ID:                ulid.Make().String(),
		AccountID:         req.AccountID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Provider:          req.Provider,
		ExternalPaymentID: req.ExternalPaymentID,
		PaymentMethod:     req.PaymentMethod,
		Description:       req.Description,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	if err := s.payments.CreatePayment(ctx, nil, p); err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"account_id", p.AccountID,
		"amount", p.Amount.String(),
		"provider", p.Provider,
	)
	return p, nil
}

// Get retrieves a payment by ID
func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.payments.GetPayment(ctx, nil, id)
}

// GetByExternalID retrieves a payment by provider payment id
func (s *Service) GetByExternalID(ctx context.Context, externalPaymentID string) (*domain.Payment, error) {
	return s.payments.GetPaymentByExternalID(ctx, nil, externalPaymentID)
}

// ListByAccount lists an account's payments, newest first
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.payments.ListPaymentsByAccount(ctx, nil, accountID, limit)
}

// GetForUpdate loads and locks a payment inside the caller's unit of work
func (s *Service) GetForUpdate(ctx context.Context, tx database.Querier, id string) (*domain.Payment, error) {
	p, err := s.payments.GetPaymentForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("locking payment %s: %w", id, err)
	}
	return p, nil
}

// ApplyTransition moves a payment to target in its own unit of work
func (s *Service) ApplyTransition(ctx context.Context, id string, target domain.Status) (*domain.Payment, error) {
	var p *domain.Payment
	err := s.tx.WithTx(ctx, func(tx database.Querier) error {
		var err error
		p, err = s.ApplyTransitionTx(ctx, tx, id, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyTransitionTx locks the payment row, validates the move against the
// transition table and persists it
func (s *Service) ApplyTransitionTx(ctx context.Context, tx database.Querier, id string, target domain.Status) (*domain.Payment, error) {
	p, err := s.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.TransitionTx(ctx, tx, p, target); err != nil {
		return nil, err
	}
	return p, nil
}

// TransitionTx applies target to a payment already locked by tx
func (s *Service) TransitionTx(ctx context.Context, tx database.Querier, p *domain.Payment, target domain.Status) error {
	from := p.Status
	if err := p.TransitionTo(target); err != nil {
		return fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if err := s.payments.UpdatePaymentStatus(ctx, tx, p); err != nil {
		return fmt.Errorf("payment %s: %w", p.ID, err)
	}

	s.logger.Info("payment transitioned",
		"payment_id", p.ID,
		"from", from,
		"to", target,
	)
	return nil
}
