package pricing

import "github.com/meterline/meterline/internal/clock"

// anthropicTable mirrors the published Anthropic API price list, USD per 1k
// tokens.
var anthropicTable = []Quote{
	quote("anthropic", "claude-3-5-sonnet", "0.003", "0.015"),
	quote("anthropic", "claude-3-5-haiku", "0.0008", "0.004"),
	quote("anthropic", "claude-3-opus", "0.015", "0.075"),
	quote("anthropic", "claude-3-haiku", "0.00025", "0.00125"),
}

func NewAnthropic(clk clock.Clock) Provider {
	return newCatalogAdapter("anthropic", FreshnessDaily, anthropicTable, clk)
}
