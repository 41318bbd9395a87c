package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysettle/internal/common/database"
	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
	"paysettle/internal/ledger/domain"
	"paysettle/internal/memstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store   *memstore.Store
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{store: store, service: NewService(store, store, store, logger)}
}

// openAccount creates an account funded through the journal so reconciliation holds
func (f *fixture) openAccount(t *testing.T, owner string, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	account, err := f.service.CreateAccount(ctx, CreateAccountRequest{OwnerID: owner, Currency: money.USD, IsPrimary: true})
	require.NoError(t, err)
	if balance != "0" {
		_, err = f.service.Apply(ctx, OpCredit, MovementRequest{AccountID: account.ID, Amount: dec(balance)})
		require.NoError(t, err)
	}
	return account
}

func (f *fixture) balance(t *testing.T, id string) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	a, err := f.service.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance, a.ReservedBalance
}

func TestConcurrentCreditsConverge(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "1000")
	ledger := f.service.Ledger()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Credit(context.Background(), account.ID, dec("50"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, _ := f.balance(t, account.ID)
	assert.True(t, balance.Equal(dec("1500")), "balance %s", balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "1000")
	ledger := f.service.Ledger()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(context.Background(), account.ID, dec("100"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, rejected)
	balance, reserved := f.balance(t, account.ID)
	assert.True(t, balance.IsZero(), "balance %s", balance)
	assert.True(t, reserved.IsZero())
}

func TestConcurrentMixedOperationsKeepInvariant(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "1000")
	ctx := context.Background()

	ops := []Operation{OpCredit, OpDebit, OpReserve, OpCredit, OpDebit, OpReserve, OpReleaseReserve, OpConfirmReserve}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		op := ops[i%len(ops)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.service.Apply(ctx, op, MovementRequest{AccountID: account.ID, Amount: dec("75.25")})
		}()
	}
	wg.Wait()

	balance, reserved := f.balance(t, account.ID)
	assert.False(t, reserved.IsNegative())
	assert.True(t, balance.GreaterThanOrEqual(reserved))

	report, err := f.service.Reconcile(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestLockScopeIsOneAccount(t *testing.T) {
	f := newFixture(t)
	a := f.openAccount(t, "owner_a", "100")
	b := f.openAccount(t, "owner_b", "100")
	ledger := f.service.Ledger()

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		_ = f.store.WithTx(context.Background(), func(tx database.Querier) error {
			_, err := ledger.CreditTx(context.Background(), tx, a.ID, dec("1"))
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	// b is unaffected by the lock on a
	done := make(chan error, 1)
	go func() {
		_, err := ledger.Credit(context.Background(), b.ID, dec("1"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("credit on another account blocked")
	}

	// a waits for the holder
	blocked := make(chan error, 1)
	go func() {
		_, err := ledger.Credit(context.Background(), a.ID, dec("1"))
		blocked <- err
	}()
	select {
	case <-blocked:
		t.Fatal("credit on locked account did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-holderDone
	require.NoError(t, <-blocked)

	balance, _ := f.balance(t, a.ID)
	assert.True(t, balance.Equal(dec("102")))
}

func TestLedgerValidation(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "100")
	ledger := f.service.Ledger()
	ctx := context.Background()

	for _, amount := range []string{"0", "-1", "1.001"} {
		_, err := ledger.Credit(ctx, account.ID, dec(amount))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount, amount)
		_, err = ledger.Debit(ctx, account.ID, dec(amount))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount, amount)
	}

	_, err := ledger.Credit(ctx, "missing", dec("1"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestAccountStatusRules(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "100")
	ledger := f.service.Ledger()
	ctx := context.Background()

	f.store.SetAccountStatus(account.ID, domain.AccountStatusFrozen)
	_, err := ledger.Debit(ctx, account.ID, dec("1"))
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err = ledger.Reserve(ctx, account.ID, dec("1"))
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
	_, err = ledger.Credit(ctx, account.ID, dec("1"))
	assert.NoError(t, err)

	f.store.SetAccountStatus(account.ID, domain.AccountStatusClosed)
	_, err = ledger.Credit(ctx, account.ID, dec("1"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestReserveReleaseConfirm(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "1000")
	ledger := f.service.Ledger()
	ctx := context.Background()

	a, err := ledger.Reserve(ctx, account.ID, dec("200"))
	require.NoError(t, err)
	assert.True(t, a.AvailableBalance().Equal(dec("800")))
	assert.True(t, a.CanDebit(dec("800")))
	assert.False(t, a.CanDebit(dec("801")))

	_, err = ledger.Debit(ctx, account.ID, dec("801"))
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	_, err = ledger.ReleaseReserve(ctx, account.ID, dec("250"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	a, err = ledger.ConfirmReserve(ctx, account.ID, dec("150"))
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("850")))
	assert.True(t, a.ReservedBalance.Equal(dec("50")))

	a, err = ledger.ReleaseReserve(ctx, account.ID, dec("50"))
	require.NoError(t, err)
	assert.True(t, a.ReservedBalance.IsZero())
	assert.True(t, a.Balance.Equal(dec("850")))
}

func TestCreditThenDebitRestoresBalance(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "321.09")
	ledger := f.service.Ledger()
	ctx := context.Background()

	_, err := ledger.Credit(ctx, account.ID, dec("45.67"))
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, account.ID, dec("45.67"))
	require.NoError(t, err)

	balance, _ := f.balance(t, account.ID)
	assert.True(t, balance.Equal(dec("321.09")))
}

func TestSuppliedUnitOfWorkRollsBackLedgerChanges(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, "owner_1", "100")
	ledger := f.service.Ledger()

	boom := errors.New("boom")
	err := f.store.WithTx(context.Background(), func(tx database.Querier) error {
		if _, err := ledger.CreditTx(context.Background(), tx, account.ID, dec("50")); err != nil {
			return err
		}
		if _, err := ledger.ReserveTx(context.Background(), tx, account.ID, dec("25")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, reserved := f.balance(t, account.ID)
	assert.True(t, balance.Equal(dec("100")))
	assert.True(t, reserved.IsZero())
}
