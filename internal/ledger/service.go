package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
	"paysettle/internal/ledger/domain"
)

// Service serves direct ledger requests. Each movement pairs the balance
// change with its journal row in one unit of work.
type Service struct {
	ledger   *Ledger
	journal  *Journal
	accounts AccountRepository
	tx       database.Transactor
	logger   *slog.Logger
}

// NewService creates a new ledger service
func NewService(accounts AccountRepository, transactions TransactionRepository, tx database.Transactor, logger *slog.Logger) *Service {
	return &Service{
		ledger:   New(accounts, tx, logger),
		journal:  NewJournal(transactions),
		accounts: accounts,
		tx:       tx,
		logger:   logger,
	}
}

// Ledger returns the balance ledger
func (s *Service) Ledger() *Ledger { return s.ledger }

// Journal returns the transaction journal
func (s *Service) Journal() *Journal { return s.journal }

// CreateAccountRequest is the request to create an account
type CreateAccountRequest struct {
	OwnerID   string         `json:"owner_id" validate:"required,max=255"`
	Currency  money.Currency `json:"currency" validate:"required,oneof=USD EUR GBP ARS"`
	IsPrimary bool           `json:"is_primary"`
	Metadata  map[string]any `json:"metadata"`
}

// CreateAccount creates an account with zero balances
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	account, err := domain.NewAccount(ulid.Make().String(), req.OwnerID, req.Currency, req.IsPrimary, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	if err := s.accounts.CreateAccount(ctx, nil, account); err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		"account_id", account.ID,
		"owner_id", account.OwnerID,
		"currency", account.Currency,
	)

	return account, nil
}

// GetAccount retrieves an account by ID
func (s *Service) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.accounts.GetAccount(ctx, nil, id)
}

// GetPrimaryAccount retrieves an owner's primary account
func (s *Service) GetPrimaryAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	return s.accounts.GetPrimaryAccount(ctx, nil, ownerID)
}

// Operation names a direct balance movement
type Operation string

const (
	OpCredit         Operation = "credit"
	OpDebit          Operation = "debit"
	OpReserve        Operation = "reserve"
	OpReleaseReserve Operation = "release"
	OpConfirmReserve Operation = "confirm"
)

// MovementRequest is a direct balance movement. ReferenceID defaults to a
// fresh id and ReferenceType to "manual".
type MovementRequest struct {
	AccountID     string
	Amount        decimal.Decimal
	ReferenceID   string
	ReferenceType string
	Description   string
	Metadata      map[string]any
}

// Movement is the outcome of a direct balance movement
type Movement struct {
	Account      *domain.Account       `json:"account"`
	Transactions []*domain.Transaction `json:"transactions"`
}

// Apply runs op and records it in the journal atomically
func (s *Service) Apply(ctx context.Context, op Operation, req MovementRequest) (*Movement, error) {
	if err := money.ValidateAmount(req.Amount); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ref := Reference{
		ID:          req.ReferenceID,
		Type:        req.ReferenceType,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if ref.ID == "" {
		ref.ID = ulid.Make().String()
	}
	if ref.Type == "" {
		ref.Type = domain.ReferenceTypeManual
	}

	var result Movement
	err := s.tx.WithTx(ctx, func(tx database.Querier) error {
		account, txs, err := s.applyTx(ctx, tx, op, req.AccountID, req.Amount, ref)
		if err != nil {
			return err
		}
		result = Movement{Account: account, Transactions: txs}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger movement applied",
		"op", op,
		"account_id", req.AccountID,
		"amount", req.Amount.String(),
		"reference_id", ref.ID,
		"reference_type", ref.Type,
	)

	return &result, nil
}

func (s *Service) applyTx(ctx context.Context, tx database.Querier, op Operation, accountID string, amount decimal.Decimal, ref Reference) (*domain.Account, []*domain.Transaction, error) {
	var (
		account *domain.Account
		txs     []*domain.Transaction
		err     error
	)

	record := func(fn func(context.Context, database.Querier, string, decimal.Decimal, Reference) (*domain.Transaction, error)) {
		if err != nil {
			return
		}
		var t *domain.Transaction
		t, err = fn(ctx, tx, accountID, amount, ref)
		if err == nil {
			txs = append(txs, t)
		}
	}

	switch op {
	case OpCredit:
		account, err = s.ledger.CreditTx(ctx, tx, accountID, amount)
		record(s.journal.RecordCredit)
	case OpDebit:
		account, err = s.ledger.DebitTx(ctx, tx, accountID, amount)
		record(s.journal.RecordDebit)
	case OpReserve:
		account, err = s.ledger.ReserveTx(ctx, tx, accountID, amount)
		record(s.journal.RecordReserve)
	case OpReleaseReserve:
		account, err = s.ledger.ReleaseReserveTx(ctx, tx, accountID, amount)
		record(s.journal.RecordRelease)
	case OpConfirmReserve:
		account, err = s.ledger.ConfirmReserveTx(ctx, tx, accountID, amount)
		record(s.journal.RecordRelease)
		record(s.journal.RecordDebit)
	default:
		return nil, nil, fmt.Errorf("%w: unknown ledger operation %q", errs.ErrInvalidState, op)
	}
	if err != nil {
		return nil, nil, err
	}
	return account, txs, nil
}

// ListTransactions returns an account's journal rows, newest first
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	if _, err := s.accounts.GetAccount(ctx, nil, accountID); err != nil {
		return nil, err
	}
	return s.journal.ListByAccount(ctx, accountID, limit)
}

// Reconciliation compares an account with its journal
type Reconciliation struct {
	AccountID        string          `json:"account_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	JournalSum       decimal.Decimal `json:"journal_sum"`
	Balanced         bool            `json:"balanced"`
}

// Reconcile checks that the signed journal sum equals the available balance.
// Credits and releases add, debits and reserves subtract, so for an account
// opened at zero the two must match. A mismatch returns the report together
// with an InvalidState error.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	var report Reconciliation
	err := s.tx.WithTx(ctx, func(tx database.Querier) error {
		account, err := s.accounts.GetAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		sum, err := s.journal.transactions.SumTransactions(ctx, tx, accountID)
		if err != nil {
			return err
		}
		report = Reconciliation{
			AccountID:        accountID,
			AvailableBalance: account.AvailableBalance(),
			JournalSum:       sum,
			Balanced:         account.AvailableBalance().Equal(sum),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling account %s: %w", accountID, err)
	}

	if !report.Balanced {
		s.logger.Error("journal does not match account",
			"account_id", accountID,
			"available_balance", report.AvailableBalance.String(),
			"journal_sum", report.JournalSum.String(),
		)
		return &report, fmt.Errorf("%w: journal sum %s differs from available balance %s",
			errs.ErrInvalidState, report.JournalSum, report.AvailableBalance)
	}
	return &report, nil
}
