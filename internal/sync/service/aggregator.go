package service

import (
	"context"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/clock"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providers "github.com/meterline/meterline/internal/providers/pricing"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"go.uber.org/zap"
)

// freshnessRank orders sources for quote dedupe: when two adapters price the
// same pair, the fresher one wins.
var freshnessRank = map[providers.Freshness]int{
	providers.FreshnessRealtime: 3,
	providers.FreshnessDaily:    2,
	providers.FreshnessWeekly:   1,
	providers.FreshnessStatic:   0,
}

// Aggregator fans out to every adapter concurrently and collects whatever
// succeeds. One slow or failing provider never takes the run down.
type Aggregator struct {
	log   *zap.Logger
	clock clock.Clock
}

func NewAggregator(log *zap.Logger, clk clock.Clock) *Aggregator {
	return &Aggregator{
		log:   log.Named("sync.aggregator"),
		clock: clk,
	}
}

type fetchOutcome struct {
	provider providers.Provider
	result   *providers.FetchResult
	err      error
	skipped  bool
	duration time.Duration
}

// FetchAll fetches each adapter under its own timeout. Sibling fetches are
// never cancelled by one failure; the context only carries the caller's
// deadline.
func (a *Aggregator) FetchAll(ctx context.Context, list []providers.Provider, timeout time.Duration) *syncdomain.AggregateResult {
	outcomes := make([]fetchOutcome, len(list))

	var wg sync.WaitGroup
	for i, provider := range list {
		wg.Add(1)
		go func(i int, provider providers.Provider) {
			defer wg.Done()
			outcomes[i] = a.fetchOne(ctx, provider, timeout)
		}(i, provider)
	}
	wg.Wait()

	result := &syncdomain.AggregateResult{
		PerProvider: make(map[string]syncdomain.ProviderResult, len(list)),
	}
	type slot struct{ idx, rank int }
	best := make(map[string]slot) // pair key -> position and freshness rank

	for _, outcome := range outcomes {
		name := outcome.provider.Name()
		pr := syncdomain.ProviderResult{
			Provider:  name,
			Freshness: outcome.provider.DataFreshness(),
			Duration:  outcome.duration,
			Skipped:   outcome.skipped,
		}
		if outcome.err != nil {
			pr.Error = outcome.err.Error()
			result.PerProvider[name] = pr
			continue
		}
		if outcome.skipped {
			result.PerProvider[name] = pr
			continue
		}

		pr.Succeeded = true
		pr.QuoteCount = len(outcome.result.Quotes)
		pr.Invalid = outcome.result.Invalid
		result.PerProvider[name] = pr

		rank := freshnessRank[outcome.provider.DataFreshness()]
		for _, quote := range outcome.result.Quotes {
			key := quoteKey(quote)
			if prev, seen := best[key]; seen {
				if rank <= prev.rank {
					continue
				}
				result.Quotes[prev.idx] = quote
				best[key] = slot{idx: prev.idx, rank: rank}
				continue
			}
			best[key] = slot{idx: len(result.Quotes), rank: rank}
			result.Quotes = append(result.Quotes, quote)
		}
	}

	return result
}

func (a *Aggregator) fetchOne(ctx context.Context, provider providers.Provider, timeout time.Duration) fetchOutcome {
	start := a.clock.Now()
	outcome := fetchOutcome{provider: provider}

	if !provider.Available(ctx) {
		outcome.skipped = true
		a.log.Debug("provider unavailable, skipping", zap.String("provider", provider.Name()))
		return outcome
	}

	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := provider.FetchPricing(fetchCtx)
	outcome.duration = a.clock.Now().Sub(start)
	if err != nil {
		outcome.err = err
		a.log.Warn("provider fetch failed",
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
		return outcome
	}

	outcome.result = result
	return outcome
}

func quoteKey(q providers.Quote) string {
	return pricingdomain.NormalizeProviderID(q.ProviderID) + "/" + pricingdomain.NormalizeModelID(q.ModelID)
}
