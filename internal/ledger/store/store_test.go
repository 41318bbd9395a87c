package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysettle/internal/common/database"
	"paysettle/internal/common/errs"
	"paysettle/internal/common/money"
	"paysettle/internal/ledger"
	"paysettle/internal/ledger/domain"
)

func newAccount(t *testing.T, s *Store, primary bool) *domain.Account {
	t.Helper()
	a, err := domain.NewAccount(ulid.Make().String(), "owner_"+ulid.Make().String(), money.USD, primary, map[string]any{"tier": "gold"})
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(context.Background(), nil, a))
	return a
}

func TestAccountRoundTrip(t *testing.T) {
	db := database.OpenTest(t)
	s := New(db)
	ctx := context.Background()

	a := newAccount(t, s, true)

	got, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.OwnerID, got.OwnerID)
	assert.True(t, got.Balance.IsZero())
	assert.Equal(t, "gold", got.Metadata["tier"])

	primary, err := s.GetPrimaryAccount(ctx, nil, a.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, primary.ID)

	dup, err := domain.NewAccount(ulid.Make().String(), a.OwnerID, money.USD, false, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateAccount(ctx, nil, dup), errs.ErrConflict)

	_, err = s.GetAccount(ctx, nil, "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestConcurrentCreditsUnderRowLock(t *testing.T) {
	db := database.OpenTest(t)
	s := New(db)
	l := ledger.New(s, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	a := newAccount(t, s, false)
	_, err := l.Credit(ctx, a.ID, decimal.NewFromInt(1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Credit(ctx, a.ID, decimal.NewFromInt(50))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1500)), got.Balance.String())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := database.OpenTest(t)
	s := New(db)
	l := ledger.New(s, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	a := newAccount(t, s, false)
	_, err := l.Credit(ctx, a.ID, decimal.NewFromInt(1000))
	require.NoError(t, err)

	var (
		wg                sync.WaitGroup
		mu                sync.Mutex
		succeeded, denied int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, a.ID, decimal.NewFromInt(100))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, errs.ErrInsufficientFunds) {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, denied)
	got, err := s.GetAccount(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestTransactionsAreSignedAndSummed(t *testing.T) {
	db := database.OpenTest(t)
	s := New(db)
	j := ledger.NewJournal(s)
	ctx := context.Background()

	a := newAccount(t, s, false)
	ref := ledger.Reference{ID: "ref_" + ulid.Make().String(), Type: domain.ReferenceTypeManual}

	_, err := j.RecordCredit(ctx, nil, a.ID, decimal.NewFromInt(100), ref)
	require.NoError(t, err)
	_, err = j.RecordReserve(ctx, nil, a.ID, decimal.NewFromInt(30), ref)
	require.NoError(t, err)

	sum, err := s.SumTransactions(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(70)), sum.String())

	rows, err := s.ListTransactionsByReference(ctx, nil, ref.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
