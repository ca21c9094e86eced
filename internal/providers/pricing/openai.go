package pricing

import (
	"github.com/meterline/meterline/internal/clock"
	"github.com/shopspring/decimal"
)

func quote(provider, model, input, output string) Quote {
	return Quote{
		ModelID:          model,
		ProviderID:       provider,
		InputPricePer1K:  decimal.RequireFromString(input),
		OutputPricePer1K: decimal.RequireFromString(output),
	}
}

// openAITable mirrors the published OpenAI API price list, USD per 1k tokens.
var openAITable = []Quote{
	quote("openai", "gpt-4o", "0.0025", "0.01"),
	quote("openai", "gpt-4o-mini", "0.00015", "0.0006"),
	quote("openai", "gpt-4.1", "0.002", "0.008"),
	quote("openai", "gpt-4.1-mini", "0.0004", "0.0016"),
	quote("openai", "gpt-3.5-turbo", "0.0005", "0.0015"),
	quote("openai", "o3-mini", "0.0011", "0.0044"),
}

func NewOpenAI(clk clock.Clock) Provider {
	return newCatalogAdapter("openai", FreshnessDaily, openAITable, clk)
}
