package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paysettle/internal/common/cache"
	"paysettle/internal/common/database"
	"paysettle/internal/common/errs"
	"paysettle/internal/webhook/domain"
)

// DefaultCacheTTL is how long a seen external id stays in the cache
const DefaultCacheTTL = 7 * 24 * time.Hour

// EventRepository is the webhook event storage contract
type EventRepository interface {
	CreateEvent(ctx context.Context, q database.Querier, e *domain.Event) (*domain.Event, bool, error)
	GetEvent(ctx context.Context, q database.Querier, id string) (*domain.Event, error)
	GetEventByExternalID(ctx context.Context, q database.Querier, externalID string) (*domain.Event, error)
	UpdateEventStatus(ctx context.Context, q database.Querier, id string, status domain.Status) error
	FindEventsForRetry(ctx context.Context, q database.Querier, maxRetries, limit int) ([]*domain.Event, error)
	IncrementEventRetryCount(ctx context.Context, q database.Querier, id string) error
	UpdateEventPayment(ctx context.Context, q database.Querier, id, paymentID string) error
	UpdateEventError(ctx context.Context, q database.Querier, id, message string) error
}

// CheckResult is the outcome of an idempotency check
type CheckResult struct {
	IsNew           bool
	ExistingEventID string
}

// Guard deduplicates deliveries by external id. The cache is consulted first
// and the event store second; cache failures count as misses.
type Guard struct {
	cache  cache.Cache
	events EventRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuard creates a guard. A non-positive ttl selects DefaultCacheTTL.
func NewGuard(c cache.Cache, events EventRepository, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Guard{cache: c, events: events, ttl: ttl, logger: logger}
}

func cacheKey(externalID string) string {
	return "webhook:" + externalID
}

// CheckAndStore reports whether externalID has been seen. It never inserts
// the event; the caller does that and relies on the store's unique
// constraint when two deliveries race past this check.
func (g *Guard) CheckAndStore(ctx context.Context, externalID string, provider domain.Provider) (CheckResult, error) {
	key := cacheKey(externalID)

	cached, err := g.cache.Get(ctx, key)
	switch {
	case err == nil && cached != "":
		g.logger.Debug("webhook seen in cache", "external_id", externalID, "provider", provider)
		return CheckResult{ExistingEventID: cached}, nil
	case err != nil && !errors.Is(err, cache.ErrMiss):
		g.logger.Warn("idempotency cache read failed", "external_id", externalID, "error", err)
	}

	existing, err := g.events.GetEventByExternalID(ctx, nil, externalID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return CheckResult{IsNew: true}, nil
		}
		return CheckResult{}, fmt.Errorf("checking webhook %s: %w", externalID, err)
	}

	g.logger.Debug("webhook seen in store", "external_id", externalID, "event_id", existing.ID)
	g.remember(ctx, key, existing.ID)
	return CheckResult{ExistingEventID: existing.ID}, nil
}

// MarkAsProcessed caches eventID under externalID
func (g *Guard) MarkAsProcessed(ctx context.Context, externalID, eventID string) {
	g.remember(ctx, cacheKey(externalID), eventID)
}

// Invalidate drops the cache entry for externalID
func (g *Guard) Invalidate(ctx context.Context, externalID string) {
	if err := g.cache.Delete(ctx, cacheKey(externalID)); err != nil {
		g.logger.Warn("idempotency cache delete failed", "external_id", externalID, "error", err)
	}
}

func (g *Guard) remember(ctx context.Context, key, eventID string) {
	if err := g.cache.Set(ctx, key, eventID, g.ttl); err != nil {
		g.logger.Warn("idempotency cache write failed", "key", key, "error", err)
	}
}

// Health reports dependency liveness
type Health struct {
	Redis    bool `json:"redis"`
	Database bool `json:"database"`
}

// HealthCheck probes the cache and the event store
func (g *Guard) HealthCheck(ctx context.Context) Health {
	h := Health{Redis: g.cache.Ping(ctx) == nil}

	_, err := g.events.GetEvent(ctx, nil, "health-check")
	h.Database = err == nil || errors.Is(err, errs.ErrNotFound)
	if !h.Database {
		g.logger.Error("event store health check failed", "error", err)
	}
	return h
}
