package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"paysettle/internal/common/cache"
	"paysettle/internal/common/money"
	"paysettle/internal/common/queue"
	"paysettle/internal/ledger"
	ledgerdomain "paysettle/internal/ledger/domain"
	"paysettle/internal/memstore"
	"paysettle/internal/payment"
	paymentdomain "paysettle/internal/payment/domain"
	"paysettle/internal/webhook/domain"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]string)}
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) Ping(context.Context) error { return nil }

type fixture struct {
	store     *memstore.Store
	cache     *mapCache
	queue     *queue.Memory
	payments  *payment.Service
	guard     *Guard
	intake    *Intake
	processor *Processor
	retrier   *Retrier
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	store := memstore.New()

	account, err := ledgerdomain.NewAccount("acc_1", "owner_1", money.USD, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateAccount(context.Background(), nil, account))

	f := &fixture{
		store:    store,
		cache:    newMapCache(),
		queue:    queue.NewMemory(queue.DefaultConfig()),
		payments: payment.NewService(store, store, logger),
	}
	normalizers := DefaultNormalizers()
	f.guard = NewGuard(f.cache, store, DefaultCacheTTL, logger)
	f.intake = NewIntake(f.guard, store, f.queue, normalizers, logger)
	f.processor = NewProcessor(store, f.payments, ledger.New(store, store, logger), ledger.NewJournal(store), store, normalizers, logger)
	f.retrier = NewRetrier(store, f.queue, domain.DefaultRetryPolicy(), logger)
	require.NoError(t, f.queue.Subscribe(JobTypeProcessWebhook, f.processor.Handle))
	return f
}

// newPayment creates a payment of amount on acc_1 and walks it to status
func (f *fixture) newPayment(t *testing.T, amount string, status paymentdomain.Status) *paymentdomain.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := f.payments.Create(ctx, payment.CreateRequest{
		AccountID:         "acc_1",
		Amount:            decimal.RequireFromString(amount),
		Currency:          money.USD,
		Provider:          "mock",
		ExternalPaymentID: "ext_" + ulid.Make().String(),
	})
	require.NoError(t, err)

	path := map[paymentdomain.Status][]paymentdomain.Status{
		paymentdomain.StatusPending:    nil,
		paymentdomain.StatusProcessing: {paymentdomain.StatusProcessing},
		paymentdomain.StatusSucceeded:  {paymentdomain.StatusProcessing, paymentdomain.StatusSucceeded},
	}[status]
	for _, s := range path {
		p, err = f.payments.ApplyTransition(ctx, p.ID, s)
		require.NoError(t, err)
	}
	return p
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), nil, "acc_1")
	require.NoError(t, err)
	return a.Balance
}

func (f *fixture) event(t *testing.T, externalID string) *domain.Event {
	t.Helper()
	e, err := f.store.GetEventByExternalID(context.Background(), nil, externalID)
	require.NoError(t, err)
	return e
}

func (f *fixture) transactionsFor(paymentID string) []*ledgerdomain.Transaction {
	var out []*ledgerdomain.Transaction
	for _, tx := range f.store.Transactions() {
		if tx.ReferenceID == paymentID {
			out = append(out, tx)
		}
	}
	return out
}

func mockBody(t *testing.T, id, eventType, paymentID string, refundedMinor *int64) json.RawMessage {
	t.Helper()
	data := map[string]any{"payment_id": paymentID}
	if refundedMinor != nil {
		data["amount_refunded"] = *refundedMinor
	}
	body, err := json.Marshal(map[string]any{
		"id":         id,
		"provider":   "mock",
		"event_type": eventType,
		"data":       data,
	})
	require.NoError(t, err)
	return body
}

// receive submits a mock delivery and returns its receipt
func (f *fixture) receive(t *testing.T, id, eventType, paymentID string, refundedMinor *int64) *Receipt {
	t.Helper()
	r, err := f.intake.Receive(context.Background(), domain.ProviderMock, mockBody(t, id, eventType, paymentID, refundedMinor))
	require.NoError(t, err)
	return r
}

func int64Ptr(v int64) *int64 { return &v }
