package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestAccount(t *testing.T, balance, reserved string) *Account {
	t.Helper()
	a, err := NewAccount("acc_1", "owner_1", money.USD, true, nil)
	require.NoError(t, err)
	a.Balance = dec(balance)
	a.ReservedBalance = dec(reserved)
	return a
}

func TestNewAccount(t *testing.T) {
	a, err := NewAccount("acc_1", "owner_1", money.EUR, false, nil)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.ReservedBalance.IsZero())
	assert.Equal(t, AccountStatusActive, a.Status)
	assert.NotNil(t, a.Metadata)

	_, err = NewAccount("", "owner_1", money.EUR, false, nil)
	assert.Error(t, err)
	_, err = NewAccount("acc_1", "", money.EUR, false, nil)
	assert.Error(t, err)
	_, err = NewAccount("acc_1", "owner_1", money.Currency("XYZ"), false, nil)
	assert.Error(t, err)
}

func TestCanDebit(t *testing.T) {
	a := newTestAccount(t, "1000", "200")

	assert.True(t, a.AvailableBalance().Equal(dec("800")))
	assert.True(t, a.CanDebit(dec("800")))
	assert.False(t, a.CanDebit(dec("801")))

	for _, status := range []AccountStatus{AccountStatusFrozen, AccountStatusSuspended, AccountStatusClosed} {
		a.Status = status
		assert.False(t, a.CanDebit(dec("1")), status)
	}
}

func TestCanCredit(t *testing.T) {
	a := newTestAccount(t, "0", "0")
	for _, status := range []AccountStatus{AccountStatusActive, AccountStatusFrozen, AccountStatusSuspended} {
		a.Status = status
		assert.True(t, a.CanCredit(), status)
	}
	a.Status = AccountStatusClosed
	assert.False(t, a.CanCredit())
	assert.ErrorIs(t, a.Credit(dec("1")), errs.ErrInvalidState)
}

func TestCreditThenDebitRestoresBalance(t *testing.T) {
	a := newTestAccount(t, "123.45", "0")
	require.NoError(t, a.Credit(dec("10.10")))
	require.NoError(t, a.Debit(dec("10.10")))
	assert.True(t, a.Balance.Equal(dec("123.45")))
}

func TestDebit(t *testing.T) {
	t.Run("insufficient available balance", func(t *testing.T) {
		a := newTestAccount(t, "100", "60")
		err := a.Debit(dec("50"))
		assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
		assert.True(t, a.Balance.Equal(dec("100")))
	})

	t.Run("inactive account", func(t *testing.T) {
		a := newTestAccount(t, "100", "0")
		a.Status = AccountStatusFrozen
		assert.ErrorIs(t, a.Debit(dec("1")), errs.ErrInsufficientFunds)
	})
}

func TestReserveLifecycle(t *testing.T) {
	a := newTestAccount(t, "100", "0")

	require.NoError(t, a.Reserve(dec("40")))
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.True(t, a.ReservedBalance.Equal(dec("40")))
	assert.ErrorIs(t, a.Reserve(dec("61")), errs.ErrInsufficientFunds)

	require.NoError(t, a.ReleaseReserve(dec("10")))
	assert.True(t, a.ReservedBalance.Equal(dec("30")))
	assert.ErrorIs(t, a.ReleaseReserve(dec("31")), errs.ErrInvalidState)

	require.NoError(t, a.ConfirmReserve(dec("30")))
	assert.True(t, a.Balance.Equal(dec("70")))
	assert.True(t, a.ReservedBalance.IsZero())
}

func TestConfirmReserveLeavesAccountUntouchedOnFailure(t *testing.T) {
	a := newTestAccount(t, "100", "50")
	a.Status = AccountStatusSuspended

	err := a.ConfirmReserve(dec("50"))
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.True(t, a.ReservedBalance.Equal(dec("50")))
}

func TestNewTransaction(t *testing.T) {
	tx, err := NewTransaction("tx_1", "acc_1", dec("-5"), TransactionTypeReserve, "pay_1", ReferenceTypePayment, "", nil)
	require.NoError(t, err)
	assert.NotNil(t, tx.Metadata)

	_, err = NewTransaction("tx_1", "acc_1", decimal.Zero, TransactionTypeCredit, "pay_1", ReferenceTypePayment, "", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	_, err = NewTransaction("tx_1", "acc_1", dec("1"), TransactionType("transfer"), "pay_1", ReferenceTypePayment, "", nil)
	assert.Error(t, err)
}
