package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysettle/internal/common/errs"
	"paysettle/internal/common/queue"
	ledgerdomain "paysettle/internal/ledger/domain"
	paymentdomain "paysettle/internal/payment/domain"
	"paysettle/internal/webhook/domain"
)

func TestSucceededEventCreditsAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	receipt := f.receive(t, "evt_1", "mock.payment.succeeded", p.ID, nil)
	assert.Equal(t, ReceiptAccepted, receipt.Status)
	assert.NotEmpty(t, receipt.JobID)
	require.NoError(t, f.queue.Drain(ctx))

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusSucceeded, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))

	rows := f.transactionsFor(p.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeCredit, rows[0].Type)
	assert.Equal(t, ledgerdomain.ReferenceTypePayment, rows[0].ReferenceType)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(1000)))

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusProcessed, e.Status)
	require.NotNil(t, e.PaymentID)
	assert.Equal(t, p.ID, *e.PaymentID)
	assert.NotNil(t, e.ProcessedAt)
	assert.Empty(t, f.queue.Dead())
}

func TestSucceededEventStepsPendingPaymentThroughProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "25.50", paymentdomain.StatusPending)

	f.receive(t, "evt_1", "mock.payment.succeeded", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusSucceeded, got.Status)
	assert.True(t, f.balance(t).Equal(decimal.RequireFromString("25.50")))
}

func TestFailedEventMovesPaymentWithoutLedgerChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	f.receive(t, "evt_1", "mock.payment.failed", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusFailed, got.Status)
	assert.True(t, f.balance(t).IsZero())
	assert.Empty(t, f.transactionsFor(p.ID))

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusProcessed, e.Status)
	require.NotNil(t, e.PaymentID)
	assert.Equal(t, p.ID, *e.PaymentID)
}

func TestRefundEventCreditsMinorUnitAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusSucceeded)

	f.receive(t, "evt_refund", "mock.payment.refunded", p.ID, int64Ptr(3000))
	require.NoError(t, f.queue.Drain(ctx))

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRefunded, got.Status)
	assert.True(t, f.balance(t).Equal(decimal.RequireFromString("30.00")), f.balance(t).String())

	rows := f.transactionsFor(p.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeCredit, rows[0].Type)
	assert.Equal(t, ledgerdomain.ReferenceTypeRefund, rows[0].ReferenceType)
	assert.True(t, rows[0].Amount.Equal(decimal.RequireFromString("30")))
}

func TestRefundEventFallsBackToPaymentAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusSucceeded)

	f.receive(t, "evt_refund", "mock.payment.refunded", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
	rows := f.transactionsFor(p.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, ledgerdomain.ReferenceTypeRefund, rows[0].ReferenceType)
}

func TestProcessorFailureRollsBackAndRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	body := mockBody(t, "evt_1", "mock.payment.succeeded", p.ID, nil)
	receipt, err := f.intake.Receive(ctx, domain.ProviderMock, body)
	require.NoError(t, err)

	f.store.FailOn("InsertTransaction", errors.New("disk full"))
	err = f.processor.Process(ctx, JobPayload{
		EventID:    receipt.EventID,
		ExternalID: "evt_1",
		EventType:  "mock.payment.succeeded",
		Provider:   domain.ProviderMock,
		RawPayload: body,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusProcessing, got.Status)
	assert.Nil(t, got.ProcessedAt)
	assert.True(t, f.balance(t).IsZero())
	assert.Empty(t, f.transactionsFor(p.ID))

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "disk full")
	assert.Nil(t, e.PaymentID)
}

func TestQueueRetriesFailedJobThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	f.store.FailOn("UpdateBalances", errors.New("connection reset"))
	f.receive(t, "evt_1", "mock.payment.succeeded", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	require.Len(t, f.queue.Dead(), 1)
	assert.Len(t, f.queue.Delays(), queue.DefaultConfig().MaxAttempts-1)

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, queue.DefaultConfig().MaxAttempts, e.RetryCount)
	assert.False(t, e.CanRetry(domain.DefaultRetryPolicy()))
	assert.True(t, f.balance(t).IsZero())
}

func TestRedeliveryIsBenignDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	body := mockBody(t, "evt_1", "mock.payment.succeeded", p.ID, nil)
	receipt, err := f.intake.Receive(ctx, domain.ProviderMock, body)
	require.NoError(t, err)

	payload := JobPayload{
		EventID:    receipt.EventID,
		ExternalID: "evt_1",
		EventType:  "mock.payment.succeeded",
		Provider:   domain.ProviderMock,
		RawPayload: body,
	}
	require.NoError(t, f.processor.Process(ctx, payload))
	require.NoError(t, f.processor.Process(ctx, payload))

	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
	assert.Len(t, f.transactionsFor(p.ID), 1)

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusProcessed, e.Status)
	assert.Zero(t, e.RetryCount)
}

func TestLateSucceededEventAfterRefundIsBenign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusSucceeded)

	f.receive(t, "evt_refund", "mock.payment.refunded", p.ID, nil)
	f.receive(t, "evt_late", "mock.payment.succeeded", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	assert.Equal(t, domain.StatusProcessed, f.event(t, "evt_late").Status)
	assert.Len(t, f.transactionsFor(p.ID), 1)
	assert.Empty(t, f.queue.Dead())
}

func TestMissingPaymentReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := mockBody(t, "evt_1", "mock.payment.succeeded", "", nil)
	receipt, err := f.intake.Receive(ctx, domain.ProviderMock, body)
	require.NoError(t, err)

	err = f.processor.Process(ctx, JobPayload{
		EventID:    receipt.EventID,
		ExternalID: "evt_1",
		EventType:  "mock.payment.succeeded",
		Provider:   domain.ProviderMock,
		RawPayload: body,
	})
	assert.ErrorIs(t, err, errs.ErrMissingPaymentReference)

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
}

func TestUnknownPaymentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.receive(t, "evt_1", "mock.payment.succeeded", "pay_missing", nil)
	require.NoError(t, f.queue.Drain(ctx))

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusFailed, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "not found")
}

func TestUnrecognizedEventIsProcessedWithoutEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPayment(t, "1000", paymentdomain.StatusProcessing)

	f.receive(t, "evt_1", "mock.payment.disputed", p.ID, nil)
	require.NoError(t, f.queue.Drain(ctx))

	got, err := f.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusProcessing, got.Status)
	assert.True(t, f.balance(t).IsZero())

	e := f.event(t, "evt_1")
	assert.Equal(t, domain.StatusProcessed, e.Status)
	assert.Nil(t, e.PaymentID)
}

func TestHandleRejectsUndecodableJob(t *testing.T) {
	f := newFixture(t)
	err := f.processor.Handle(context.Background(), queue.Job{ID: "job_1", Payload: []byte(`not json`)})
	assert.Error(t, err)

	err = f.processor.Handle(context.Background(), queue.Job{ID: "job_2", Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestAlreadyApplied(t *testing.T) {
	assert.True(t, alreadyApplied(paymentdomain.StatusSucceeded, paymentdomain.StatusSucceeded))
	assert.True(t, alreadyApplied(paymentdomain.StatusRefunded, paymentdomain.StatusSucceeded))
	assert.True(t, alreadyApplied(paymentdomain.StatusFailed, paymentdomain.StatusFailed))
	assert.False(t, alreadyApplied(paymentdomain.StatusProcessing, paymentdomain.StatusSucceeded))
	assert.False(t, alreadyApplied(paymentdomain.StatusSucceeded, paymentdomain.StatusFailed))
}
