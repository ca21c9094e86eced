package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Model and provider identifiers are case-insensitive. Every storage and
// lookup boundary normalizes through these so a mixed-case usage report,
// admin upsert, and provider quote all land on the same price row.
func NormalizeModelID(modelID string) string {
	return strings.ToLower(strings.TrimSpace(modelID))
}

func NormalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

type defaultPrice struct {
	input  string
	output string
}

// bundledDefaults is the last-resort price table, keyed "provider/model".
// Prices are USD per 1000 tokens. Kept deliberately small: only models the
// chat product actually routes to.
var bundledDefaults = map[string]defaultPrice{
	"openai/gpt-4o":               {input: "0.0025", output: "0.01"},
	"openai/gpt-4o-mini":          {input: "0.00015", output: "0.0006"},
	"openai/gpt-3.5-turbo":        {input: "0.0005", output: "0.0015"},
	"anthropic/claude-3-5-sonnet": {input: "0.003", output: "0.015"},
	"anthropic/claude-3-5-haiku":  {input: "0.0008", output: "0.004"},
	"anthropic/claude-3-opus":     {input: "0.015", output: "0.075"},
}

// StaticDefault returns the bundled fallback price for a pair, if one exists.
func StaticDefault(modelID, providerID string) (*ModelPricing, bool) {
	modelID = NormalizeModelID(modelID)
	providerID = NormalizeProviderID(providerID)
	price, ok := bundledDefaults[providerID+"/"+modelID]
	if !ok {
		return nil, false
	}
	return &ModelPricing{
		ModelID:          modelID,
		ProviderID:       providerID,
		InputPricePer1K:  decimal.RequireFromString(price.input),
		OutputPricePer1K: decimal.RequireFromString(price.output),
		Source:           PricingSourceStatic,
	}, true
}

// StaticDefaults returns the whole bundled table, for the static provider
// adapter and migration seeding.
func StaticDefaults() []*ModelPricing {
	out := make([]*ModelPricing, 0, len(bundledDefaults))
	for key, price := range bundledDefaults {
		provider, model, _ := strings.Cut(key, "/")
		out = append(out, &ModelPricing{
			ModelID:          model,
			ProviderID:       provider,
			InputPricePer1K:  decimal.RequireFromString(price.input),
			OutputPricePer1K: decimal.RequireFromString(price.output),
			Source:           PricingSourceStatic,
		})
	}
	return out
}
