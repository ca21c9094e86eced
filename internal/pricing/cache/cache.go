// Package cache holds the hot-path price lookup cache for usage charging.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	pricing   *pricingdomain.ModelPricing
	fetchedAt time.Time
}

type Params struct {
	fx.In

	Pricing    pricingdomain.Service
	Log        *zap.Logger
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Cache fronts the pricing table with a per-pair TTL cache. Concurrent misses
// on the same pair are collapsed into a single resolve via singleflight, so a
// burst of usage reports for one model costs one DB read.
type Cache struct {
	pricing    pricingdomain.Service
	log        *zap.Logger
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

func New(p Params) *Cache {
	return &Cache{
		pricing:    p.Pricing,
		log:        p.Log.Named("pricing.cache"),
		clock:      p.Clock,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
		entries:    make(map[string]entry),
	}
}

// GetPrice resolves the effective price for a pair. Resolution order:
// fresh cache entry, then the pricing service (stored row or bundled
// default); when the refresh fails and serve-stale is enabled, an expired
// entry is returned rather than failing the charge.
func (c *Cache) GetPrice(ctx context.Context, modelID, providerID string) (*pricingdomain.ModelPricing, error) {
	key := cacheKey(modelID, providerID)
	ttl := c.ttl()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Sub(cached.fetchedAt) < ttl {
		c.recordLookup(ctx, "hit")
		return cached.pricing, nil
	}

	resolved, err, _ := c.group.Do(key, func() (any, error) {
		pricing, err := c.pricing.Resolve(ctx, modelID, providerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{pricing: pricing, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		return pricing, nil
	})
	if err != nil {
		if ok && c.serveStale() {
			c.log.Warn("price refresh failed, serving stale entry",
				zap.String("model_id", modelID),
				zap.String("provider_id", providerID),
				zap.Error(err),
			)
			c.recordLookup(ctx, "stale")
			return cached.pricing, nil
		}
		c.recordLookup(ctx, "miss")
		return nil, err
	}

	c.recordLookup(ctx, "refresh")
	return resolved.(*pricingdomain.ModelPricing), nil
}

// Invalidate drops one pair; the next lookup re-resolves.
func (c *Cache) Invalidate(modelID, providerID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(modelID, providerID))
	c.mu.Unlock()
}

// InvalidateAll empties the cache, used after bulk sync applies.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *Cache) ttl() time.Duration {
	if c.billing != nil {
		if ttl := c.billing.Get().CacheTTL(); ttl > 0 {
			return ttl
		}
	}
	return 5 * time.Minute
}

func (c *Cache) serveStale() bool {
	if c.billing == nil {
		return true
	}
	return c.billing.Get().Cache.ServeStale
}

func (c *Cache) recordLookup(ctx context.Context, result string) {
	if c.obsMetrics != nil {
		c.obsMetrics.RecordPricingLookup(ctx, result)
	}
}

func cacheKey(modelID, providerID string) string {
	return pricingdomain.NormalizeProviderID(providerID) + "/" + pricingdomain.NormalizeModelID(modelID)
}
