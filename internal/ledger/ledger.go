package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	"paysettle/internal/common/money"
	"paysettle/internal/ledger/domain"
)

// AccountRepository is the account storage contract
type AccountRepository interface {
	CreateAccount(ctx context.Context, q database.Querier, account *domain.Account) error
	GetAccount(ctx context.Context, q database.Querier, id string) (*domain.Account, error)
	GetAccountForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Account, error)
	GetPrimaryAccount(ctx context.Context, q database.Querier, ownerID string) (*domain.Account, error)
	UpdateBalances(ctx context.Context, q database.Querier, account *domain.Account) error
}

// Ledger owns account balances. Every operation locks exactly one account
// row for the length of its unit of work, so operations on the same account
// serialize and operations on different accounts never block each other.
//
// Each operation has two forms: X opens and commits its own unit of work,
// XTx joins the caller's.
type Ledger struct {
	accounts AccountRepository
	tx       database.Transactor
	logger   *slog.Logger
}

// New creates a ledger
func New(accounts AccountRepository, tx database.Transactor, logger *slog.Logger) *Ledger {
	return &Ledger{accounts: accounts, tx: tx, logger: logger}
}

type mutation func(a *domain.Account, amount decimal.Decimal) error

// run validates amount before opening the unit of work so invalid input
// never takes a lock.
func (l *Ledger) run(ctx context.Context, op string, amount decimal.Decimal, fn func(tx database.Querier) (*domain.Account, error)) (*domain.Account, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var account *domain.Account
	err := l.tx.WithTx(ctx, func(tx database.Querier) error {
		var err error
		account, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (l *Ledger) apply(ctx context.Context, tx database.Querier, op, accountID string, amount decimal.Decimal, mutate mutation) (*domain.Account, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	account, err := l.accounts.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, accountID, err)
	}

	if err := mutate(account, amount); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, accountID, err)
	}

	if err := l.accounts.UpdateBalances(ctx, tx, account); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, accountID, err)
	}

	l.logger.Debug("account balance changed",
		"op", op,
		"account_id", accountID,
		"amount", amount.String(),
		"balance", account.Balance.String(),
		"reserved_balance", account.ReservedBalance.String(),
	)
	return account, nil
}

// Credit increases the balance. Closed accounts reject credits.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.run(ctx, "credit", amount, func(tx database.Querier) (*domain.Account, error) {
		return l.CreditTx(ctx, tx, accountID, amount)
	})
}

// CreditTx is Credit inside the caller's unit of work
func (l *Ledger) CreditTx(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, tx, "credit", accountID, amount, (*domain.Account).Credit)
}

// Debit decreases the balance. Only active accounts with enough available
// balance may be debited.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.run(ctx, "debit", amount, func(tx database.Querier) (*domain.Account, error) {
		return l.DebitTx(ctx, tx, accountID, amount)
	})
}

// DebitTx is Debit inside the caller's unit of work
func (l *Ledger) DebitTx(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, tx, "debit", accountID, amount, (*domain.Account).Debit)
}

// Reserve holds funds without moving the balance
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.run(ctx, "reserve", amount, func(tx database.Querier) (*domain.Account, error) {
		return l.ReserveTx(ctx, tx, accountID, amount)
	})
}

// ReserveTx is Reserve inside the caller's unit of work
func (l *Ledger) ReserveTx(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, tx, "reserve", accountID, amount, (*domain.Account).Reserve)
}

// ReleaseReserve returns held funds to the available balance
func (l *Ledger) ReleaseReserve(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.run(ctx, "release reserve", amount, func(tx database.Querier) (*domain.Account, error) {
		return l.ReleaseReserveTx(ctx, tx, accountID, amount)
	})
}

// ReleaseReserveTx is ReleaseReserve inside the caller's unit of work
func (l *Ledger) ReleaseReserveTx(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, tx, "release reserve", accountID, amount, (*domain.Account).ReleaseReserve)
}

// ConfirmReserve converts a hold into a debit of the same amount
func (l *Ledger) ConfirmReserve(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.run(ctx, "confirm reserve", amount, func(tx database.Querier) (*domain.Account, error) {
		return l.ConfirmReserveTx(ctx, tx, accountID, amount)
	})
}

// ConfirmReserveTx is ConfirmReserve inside the caller's unit of work
func (l *Ledger) ConfirmReserveTx(ctx context.Context, tx database.Querier, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, tx, "confirm reserve", accountID, amount, (*domain.Account).ConfirmReserve)
}
