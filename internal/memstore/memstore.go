// Package memstore implements every repository in memory, together with a
// unit of work that emulates Postgres row locks and rollback. It backs the
// service, ledger and processor tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/database"
	ledgerdomain "paysettle/internal/ledger/domain"
	paymentdomain "paysettle/internal/payment/domain"
	webhookdomain "paysettle/internal/webhook/domain"
)

// Store holds all tables
type Store struct {
	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	accounts     map[string]*ledgerdomain.Account
	transactions []*ledgerdomain.Transaction
	payments     map[string]*paymentdomain.Payment
	events       map[string]*webhookdomain.Event
	failures     map[string]error
}

// New creates an empty store
func New() *Store {
	return &Store{
		locks:    make(map[string]*sync.Mutex),
		accounts: make(map[string]*ledgerdomain.Account),
		payments: make(map[string]*paymentdomain.Payment),
		events:   make(map[string]*webhookdomain.Event),
		failures: make(map[string]error),
	}
}

// Tx is a unit of work handle. It satisfies database.Querier only so it can
// travel through repository signatures; calling its SQL methods panics.
type Tx struct {
	database.Querier
	store *Store
	held  map[string]*sync.Mutex
	undo  []func()
}

// WithTx runs fn in a unit of work. Locks taken inside fn are released when
// fn returns; writes are undone when fn fails or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx database.Querier) error) error {
	tx := &Tx{store: s, held: make(map[string]*sync.Mutex)}

	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

var _ database.Transactor = (*Store)(nil)

func (tx *Tx) commit() {
	tx.release()
}

func (tx *Tx) rollback() {
	tx.store.mu.Lock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.store.mu.Unlock()
	tx.release()
}

func (tx *Tx) release() {
	for _, m := range tx.held {
		m.Unlock()
	}
	tx.held = nil
}

// FailOn makes the named repository method return err until cleared with a
// nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// failure must be called with s.mu held
func (s *Store) failure(method string) error {
	if err, ok := s.failures[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// lockRow blocks until q holds the row lock for key. Outside a unit of work
// it is a no-op, matching FOR UPDATE in autocommit mode.
func (s *Store) lockRow(ctx context.Context, q database.Querier, key string) error {
	tx, ok := q.(*Tx)
	if !ok {
		return nil
	}
	if _, held := tx.held[key]; held {
		return nil
	}

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	tx.held[key] = m
	return nil
}

// onRollback registers fn to run if q's unit of work rolls back. Must be
// called with s.mu held.
func onRollback(q database.Querier, fn func()) {
	if tx, ok := q.(*Tx); ok {
		tx.undo = append(tx.undo, fn)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Accounts

func cloneAccount(a *ledgerdomain.Account) *ledgerdomain.Account {
	c := *a
	c.Metadata = copyMap(a.Metadata)
	return &c
}

func (s *Store) CreateAccount(ctx context.Context, q database.Querier, a *ledgerdomain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateAccount"); err != nil {
		return err
	}
	for _, existing := range s.accounts {
		if existing.OwnerID != a.OwnerID {
			continue
		}
		if existing.Currency == a.Currency {
			return ledgerdomain.ErrAccountExists
		}
		if existing.IsPrimary && a.IsPrimary {
			return ledgerdomain.ErrPrimaryExists
		}
	}
	s.accounts[a.ID] = cloneAccount(a)
	id := a.ID
	onRollback(q, func() { delete(s.accounts, id) })
	return nil
}

func (s *Store) GetAccount(ctx context.Context, q database.Querier, id string) (*ledgerdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetAccount"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) GetAccountForUpdate(ctx context.Context, q database.Querier, id string) (*ledgerdomain.Account, error) {
	if err := s.lockRow(ctx, q, "accounts:"+id); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, q, id)
}

func (s *Store) GetPrimaryAccount(ctx context.Context, q database.Querier, ownerID string) (*ledgerdomain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.OwnerID == ownerID && a.IsPrimary {
			return cloneAccount(a), nil
		}
	}
	return nil, ledgerdomain.ErrAccountNotFound
}

func (s *Store) UpdateBalances(ctx context.Context, q database.Querier, a *ledgerdomain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateBalances"); err != nil {
		return err
	}
	current, ok := s.accounts[a.ID]
	if !ok {
		return ledgerdomain.ErrAccountNotFound
	}
	if a.Balance.IsNegative() || a.ReservedBalance.IsNegative() || a.Balance.LessThan(a.ReservedBalance) {
		return fmt.Errorf("accounts check constraint violated for %s", a.ID)
	}

	prev := cloneAccount(current)
	current.Balance = a.Balance
	current.ReservedBalance = a.ReservedBalance
	current.UpdatedAt = a.UpdatedAt
	onRollback(q, func() { s.accounts[prev.ID] = prev })
	return nil
}

// SetAccountStatus changes an account's status directly; tests use it to
// put accounts in frozen or closed states.
func (s *Store) SetAccountStatus(id string, status ledgerdomain.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Status = status
	}
}

// Transactions

func (s *Store) InsertTransaction(ctx context.Context, q database.Querier, t *ledgerdomain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertTransaction"); err != nil {
		return err
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transactions check constraint violated for %s", t.ID)
	}
	c := *t
	s.transactions = append(s.transactions, &c)
	id := t.ID
	onRollback(q, func() {
		for i, row := range s.transactions {
			if row.ID == id {
				s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, q database.Querier, id string) (*ledgerdomain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.ID == id {
			c := *t
			return &c, nil
		}
	}
	return nil, ledgerdomain.ErrTransactionNotFound
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*ledgerdomain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := s.transactions[i]; t.AccountID == accountID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListTransactionsByReference(ctx context.Context, q database.Querier, referenceID string) ([]*ledgerdomain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledgerdomain.Transaction
	for _, t := range s.transactions {
		if t.ReferenceID == referenceID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) SumTransactions(ctx context.Context, q database.Querier, accountID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

// Transactions returns every journal row in insertion order
func (s *Store) Transactions() []*ledgerdomain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ledgerdomain.Transaction, len(s.transactions))
	for i, t := range s.transactions {
		c := *t
		out[i] = &c
	}
	return out
}

// Payments

func clonePayment(p *paymentdomain.Payment) *paymentdomain.Payment {
	c := *p
	c.Metadata = copyMap(p.Metadata)
	return &c
}

func (s *Store) CreatePayment(ctx context.Context, q database.Querier, p *paymentdomain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreatePayment"); err != nil {
		return err
	}
	if _, ok := s.accounts[p.AccountID]; !ok {
		return fmt.Errorf("payments foreign key violated: account %s", p.AccountID)
	}
	for _, existing := range s.payments {
		if existing.ExternalPaymentID == p.ExternalPaymentID {
			return paymentdomain.ErrPaymentExists
		}
	}
	s.payments[p.ID] = clonePayment(p)
	id := p.ID
	onRollback(q, func() { delete(s.payments, id) })
	return nil
}

func (s *Store) GetPayment(ctx context.Context, q database.Querier, id string) (*paymentdomain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) GetPaymentForUpdate(ctx context.Context, q database.Querier, id string) (*paymentdomain.Payment, error) {
	if err := s.lockRow(ctx, q, "payments:"+id); err != nil {
		return nil, err
	}
	return s.GetPayment(ctx, q, id)
}

func (s *Store) GetPaymentByExternalID(ctx context.Context, q database.Querier, externalPaymentID string) (*paymentdomain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ExternalPaymentID == externalPaymentID {
			return clonePayment(p), nil
		}
	}
	return nil, paymentdomain.ErrPaymentNotFound
}

func (s *Store) ListPaymentsByAccount(ctx context.Context, q database.Querier, accountID string, limit int) ([]*paymentdomain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*paymentdomain.Payment
	for _, p := range s.payments {
		if p.AccountID == accountID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, q database.Querier, p *paymentdomain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdatePaymentStatus"); err != nil {
		return err
	}
	current, ok := s.payments[p.ID]
	if !ok {
		return paymentdomain.ErrPaymentNotFound
	}
	prev := clonePayment(current)
	current.Status = p.Status
	current.ProcessedAt = p.ProcessedAt
	current.UpdatedAt = p.UpdatedAt
	onRollback(q, func() { s.payments[prev.ID] = prev })
	return nil
}

// Webhook events

func cloneEvent(e *webhookdomain.Event) *webhookdomain.Event {
	c := *e
	return &c
}

func (s *Store) CreateEvent(ctx context.Context, q database.Querier, e *webhookdomain.Event) (*webhookdomain.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateEvent"); err != nil {
		return nil, false, err
	}
	for _, existing := range s.events {
		if existing.ExternalID == e.ExternalID {
			return cloneEvent(existing), false, nil
		}
	}
	s.events[e.ID] = cloneEvent(e)
	id := e.ID
	onRollback(q, func() { delete(s.events, id) })
	return cloneEvent(e), true, nil
}

func (s *Store) GetEvent(ctx context.Context, q database.Querier, id string) (*webhookdomain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, webhookdomain.ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (s *Store) GetEventByExternalID(ctx context.Context, q database.Querier, externalID string) (*webhookdomain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetEventByExternalID"); err != nil {
		return nil, err
	}
	for _, e := range s.events {
		if e.ExternalID == externalID {
			return cloneEvent(e), nil
		}
	}
	return nil, webhookdomain.ErrEventNotFound
}

// updateEvent applies fn to the stored event under s.mu and registers undo
func (s *Store) updateEvent(q database.Querier, method, id string, fn func(e *webhookdomain.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(method); err != nil {
		return err
	}
	current, ok := s.events[id]
	if !ok {
		return webhookdomain.ErrEventNotFound
	}
	prev := cloneEvent(current)
	fn(current)
	current.UpdatedAt = time.Now().UTC()
	onRollback(q, func() { s.events[prev.ID] = prev })
	return nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, q database.Querier, id string, status webhookdomain.Status) error {
	return s.updateEvent(q, "UpdateEventStatus", id, func(e *webhookdomain.Event) {
		e.Status = status
		if status == webhookdomain.StatusProcessed {
			now := time.Now().UTC()
			e.ProcessedAt = &now
		}
	})
}

func (s *Store) FindEventsForRetry(ctx context.Context, q database.Querier, maxRetries, limit int) ([]*webhookdomain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhookdomain.Event
	for _, e := range s.events {
		if e.Status == webhookdomain.StatusFailed && e.RetryCount < maxRetries {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) IncrementEventRetryCount(ctx context.Context, q database.Querier, id string) error {
	return s.updateEvent(q, "IncrementEventRetryCount", id, func(e *webhookdomain.Event) {
		e.RetryCount++
	})
}

func (s *Store) UpdateEventPayment(ctx context.Context, q database.Querier, id, paymentID string) error {
	return s.updateEvent(q, "UpdateEventPayment", id, func(e *webhookdomain.Event) {
		e.PaymentID = &paymentID
	})
}

func (s *Store) UpdateEventError(ctx context.Context, q database.Querier, id, message string) error {
	return s.updateEvent(q, "UpdateEventError", id, func(e *webhookdomain.Event) {
		e.ErrorMessage = &message
	})
}

// Events returns every stored event
func (s *Store) Events() []*webhookdomain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webhookdomain.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, cloneEvent(e))
	}
	return out
}
