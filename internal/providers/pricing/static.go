package pricing

import (
	"github.com/meterline/meterline/internal/clock"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
)

// NewStatic wraps the bundled default table as a provider of last resort.
// Its quotes keep the underlying vendor as ProviderID so they price the same
// pairs the chat router uses; the aggregator prefers fresher sources.
func NewStatic(clk clock.Clock) Provider {
	defaults := pricingdomain.StaticDefaults()
	table := make([]Quote, 0, len(defaults))
	for _, row := range defaults {
		table = append(table, Quote{
			ModelID:          row.ModelID,
			ProviderID:       row.ProviderID,
			InputPricePer1K:  row.InputPricePer1K,
			OutputPricePer1K: row.OutputPricePer1K,
		})
	}
	return newCatalogAdapter("static", FreshnessStatic, table, clk)
}
