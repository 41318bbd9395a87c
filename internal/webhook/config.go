package webhook

import (
	"time"

	"paysettle/internal/webhook/domain"
)

// Config holds webhook settlement settings
type Config struct {
	MaxRetries    int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"3"`
	CacheTTL      time.Duration `envconfig:"WEBHOOK_CACHE_TTL" default:"168h"`
	RetryInterval time.Duration `envconfig:"WEBHOOK_RETRY_INTERVAL" default:"0s"`
	RetryBatch    int           `envconfig:"WEBHOOK_RETRY_BATCH" default:"10"`
}

// RetryPolicy returns the retry ceiling shared by events and the store query
func (c Config) RetryPolicy() domain.RetryPolicy {
	if c.MaxRetries <= 0 {
		return domain.DefaultRetryPolicy()
	}
	return domain.RetryPolicy{MaxRetries: c.MaxRetries}
}
