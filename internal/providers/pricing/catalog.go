package pricing

import (
	"context"

	"github.com/meterline/meterline/internal/clock"
)

// catalogAdapter serves a fixed in-process price table. Vendors without a
// public pricing API (openai, anthropic) ship as curated tables refreshed
// with releases, plus the bundled static fallback.
type catalogAdapter struct {
	tracker

	name      string
	freshness Freshness
	table     []Quote
	clock     clock.Clock
}

func newCatalogAdapter(name string, freshness Freshness, table []Quote, clk clock.Clock) *catalogAdapter {
	return &catalogAdapter{
		name:      name,
		freshness: freshness,
		table:     table,
		clock:     clk,
	}
}

func (a *catalogAdapter) Name() string { return a.name }

func (a *catalogAdapter) Available(ctx context.Context) bool {
	return !a.inBackoff(a.clock.Now())
}

func (a *catalogAdapter) FetchPricing(ctx context.Context) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		a.recordFailure(a.clock.Now())
		return nil, err
	}

	result := &FetchResult{
		Provider:  a.name,
		FetchedAt: a.clock.Now(),
	}
	for _, quote := range a.table {
		if !ValidQuote(quote) {
			result.Invalid++
			continue
		}
		result.Quotes = append(result.Quotes, quote)
	}
	a.recordSuccess(result.FetchedAt)
	return result, nil
}

func (a *catalogAdapter) SupportedModels() []string {
	models := make([]string, 0, len(a.table))
	for _, quote := range a.table {
		models = append(models, quote.ModelID)
	}
	return models
}

func (a *catalogAdapter) DataFreshness() Freshness { return a.freshness }

func (a *catalogAdapter) Health() Health { return a.health() }
