package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paymentdomain "paysettle/internal/payment/domain"
	"paysettle/internal/webhook/domain"
)

func TestRetrierRecoversFailedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	// the queue never sees the delivery, so the event is parked as failed
	intake := NewIntake(f.guard, f.store, brokenQueue{err: errors.New("queue down")}, DefaultNormalizers(), testLogger())
	_, err := intake.Receive(ctx, domain.ProviderMock, mockBody(t, "evt_1", "mock.payment.succeeded", p.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, f.event(t, "evt_1").Status)

	f.store.FailOn("InsertTransaction", errors.New("disk full"))
	require.Error(t, f.processor.Process(ctx, newJobPayload(f.event(t, "evt_1"))))
	f.store.FailOn("InsertTransaction", nil)
	assert.Equal(t, 1, f.event(t, "evt_1").RetryCount)

	n, err := f.retrier.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.queue.Drain(ctx))

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusProcessed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
	assert.Len(t, f.transactionsFor(p.ID), 1)
}

func TestRequeueFailedHonoursRetryCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, id := range []string{"evt_a", "evt_b", "evt_c"} {
		e, err := domain.NewEvent("ev_"+id, id, domain.ProviderMock, "mock.payment.failed", json.RawMessage(`{}`))
		require.NoError(t, err)
		_, _, err = f.store.CreateEvent(ctx, nil, e)
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateEventStatus(ctx, nil, e.ID, domain.StatusFailed))
		for n := 0; n < i*2; n++ {
			require.NoError(t, f.store.IncrementEventRetryCount(ctx, nil, e.ID))
		}
	}
	// evt_a: 0 retries, evt_b: 2 retries, evt_c: 4 retries (past the ceiling of 3)

	n, err := f.retrier.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.queue.Pending(), 2)

	assert.Equal(t, domain.StatusPending, f.event(t, "evt_a").Status)
	assert.Equal(t, domain.StatusPending, f.event(t, "evt_b").Status)
	assert.Equal(t, domain.StatusFailed, f.event(t, "evt_c").Status)

	n, err = f.retrier.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueFailedRestoresStatusWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	retrier := NewRetrier(f.store, brokenQueue{err: errors.New("queue down")}, domain.DefaultRetryPolicy(), testLogger())

	e, err := domain.NewEvent("ev_1", "evt_1", domain.ProviderMock, "mock.payment.failed", nil)
	require.NoError(t, err)
	_, _, err = f.store.CreateEvent(ctx, nil, e)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEventStatus(ctx, nil, e.ID, domain.StatusFailed))

	n, err := retrier.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.StatusFailed, f.event(t, "evt_1").Status)
}
