// Package pricing contains the upstream price-catalog adapters the sync
// engine aggregates over.
package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Freshness describes how often an adapter's data actually changes.
type Freshness string

const (
	FreshnessRealtime Freshness = "realtime"
	FreshnessDaily    Freshness = "daily"
	FreshnessWeekly   Freshness = "weekly"
	FreshnessStatic   Freshness = "static"
)

// Quote is one model's price as reported by a provider, per 1000 tokens.
type Quote struct {
	ModelID          string
	ProviderID       string
	InputPricePer1K  decimal.Decimal
	OutputPricePer1K decimal.Decimal
}

// FetchResult is one adapter's catalog snapshot. Invalid counts quotes the
// adapter dropped for failing validation.
type FetchResult struct {
	Provider  string
	Quotes    []Quote
	Invalid   int
	FetchedAt time.Time
}

// Health is the adapter's backoff bookkeeping snapshot.
type Health struct {
	LastSuccess  time.Time
	LastAttempt  time.Time
	FailureCount int
}

// Provider is a price catalog source.
type Provider interface {
	Name() string
	// Available reports whether the adapter should be fetched now; an
	// adapter in failure backoff reports false.
	Available(ctx context.Context) bool
	FetchPricing(ctx context.Context) (*FetchResult, error)
	SupportedModels() []string
	DataFreshness() Freshness
	Health() Health
}

var (
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrFetchFailed         = errors.New("provider_fetch_error")
)

var maxQuotePricePer1K = decimal.NewFromInt(100)

// ValidQuote checks both prices lie in (0, 100] per 1k tokens.
func ValidQuote(q Quote) bool {
	return q.ModelID != "" &&
		q.InputPricePer1K.IsPositive() && !q.InputPricePer1K.GreaterThan(maxQuotePricePer1K) &&
		q.OutputPricePer1K.IsPositive() && !q.OutputPricePer1K.GreaterThan(maxQuotePricePer1K)
}

// tracker keeps per-adapter failure bookkeeping. After a failure the adapter
// backs off for failureCount minutes, capped at an hour.
type tracker struct {
	mu           sync.Mutex
	lastSuccess  time.Time
	lastAttempt  time.Time
	failureCount int
}

const maxBackoff = time.Hour

func (t *tracker) recordSuccess(now time.Time) {
	t.mu.Lock()
	t.lastAttempt = now
	t.lastSuccess = now
	t.failureCount = 0
	t.mu.Unlock()
}

func (t *tracker) recordFailure(now time.Time) {
	t.mu.Lock()
	t.lastAttempt = now
	t.failureCount++
	t.mu.Unlock()
}

func (t *tracker) inBackoff(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failureCount == 0 {
		return false
	}
	backoff := time.Duration(t.failureCount) * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return now.Before(t.lastAttempt.Add(backoff))
}

func (t *tracker) health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Health{
		LastSuccess:  t.lastSuccess,
		LastAttempt:  t.lastAttempt,
		FailureCount: t.failureCount,
	}
}
