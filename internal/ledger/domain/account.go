package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
)

var (
	ErrAccountNotFound  = fmt.Errorf("account %w", errs.ErrNotFound)
	ErrAccountClosed    = fmt.Errorf("%w: account is closed", errs.ErrInvalidState)
	ErrAccountNotActive = fmt.Errorf("%w: account is not active", errs.ErrInsufficientFunds)
	ErrReserveExceeded  = fmt.Errorf("%w: release exceeds reserved balance", errs.ErrInvalidState)
	ErrAccountExists    = fmt.Errorf("%w: account already exists for owner and currency", errs.ErrConflict)
	ErrPrimaryExists    = fmt.Errorf("%w: owner already has a primary account", errs.ErrConflict)
)

// AccountStatus represents the status of an account
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusFrozen    AccountStatus = "frozen"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// Account is an owner-scoped balance container. Balance and ReservedBalance
// only change through the ledger operations, each under a row lock.
type Account struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Balance         decimal.Decimal `json:"balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance"`
	Currency        money.Currency  `json:"currency"`
	Status          AccountStatus   `json:"status"`
	IsPrimary       bool            `json:"is_primary"`
	Metadata        map[string]any  `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewAccount creates an active account with zero balances
func NewAccount(id, ownerID string, currency money.Currency, isPrimary bool, metadata map[string]any) (*Account, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := time.Now().UTC()
	return &Account{
		ID:              id,
		OwnerID:         ownerID,
		Balance:         decimal.Zero,
		ReservedBalance: decimal.Zero,
		Currency:        currency,
		Status:          AccountStatusActive,
		IsPrimary:       isPrimary,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// AvailableBalance is balance minus reserved balance. It is never stored.
func (a *Account) AvailableBalance() decimal.Decimal {
	return a.Balance.Sub(a.ReservedBalance)
}

// IsOperational reports whether the account is active
func (a *Account) IsOperational() bool {
	return a.Status == AccountStatusActive
}

// CanDebit reports whether amount can leave the account or be held
func (a *Account) CanDebit(amount decimal.Decimal) bool {
	return a.IsOperational() && a.AvailableBalance().GreaterThanOrEqual(amount)
}

// CanCredit reports whether the account accepts incoming funds. Every status
// except closed does.
func (a *Account) CanCredit() bool {
	return a.Status != AccountStatusClosed
}

// Credit increases the balance
func (a *Account) Credit(amount decimal.Decimal) error {
	if !a.CanCredit() {
		return ErrAccountClosed
	}
	a.Balance = a.Balance.Add(amount)
	a.touch()
	return nil
}

// Debit decreases the balance
func (a *Account) Debit(amount decimal.Decimal) error {
	if err := a.checkDebit(amount); err != nil {
		return err
	}
	a.Balance = a.Balance.Sub(amount)
	a.touch()
	return nil
}

// Reserve holds amount without moving the balance
func (a *Account) Reserve(amount decimal.Decimal) error {
	if err := a.checkDebit(amount); err != nil {
		return err
	}
	a.ReservedBalance = a.ReservedBalance.Add(amount)
	a.touch()
	return nil
}

// ReleaseReserve returns held funds to the available balance
func (a *Account) ReleaseReserve(amount decimal.Decimal) error {
	if a.ReservedBalance.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s, release %s", ErrReserveExceeded, a.ReservedBalance, amount)
	}
	a.ReservedBalance = a.ReservedBalance.Sub(amount)
	a.touch()
	return nil
}

// ConfirmReserve turns a hold into a debit. The account is left untouched
// when either half fails.
func (a *Account) ConfirmReserve(amount decimal.Decimal) error {
	snapshot := *a
	if err := a.ReleaseReserve(amount); err != nil {
		return err
	}
	if err := a.Debit(amount); err != nil {
		*a = snapshot
		return err
	}
	return nil
}

func (a *Account) checkDebit(amount decimal.Decimal) error {
	if !a.IsOperational() {
		return fmt.Errorf("%w (status %s)", ErrAccountNotActive, a.Status)
	}
	if a.AvailableBalance().LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", errs.ErrInsufficientFunds, a.AvailableBalance(), amount)
	}
	return nil
}

func (a *Account) touch() {
	a.UpdatedAt = time.Now().UTC()
}
