package service

import (
	"testing"

	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providers "github.com/meterline/meterline/internal/providers/pricing"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func storedRow(model, provider, input, output string) *pricingdomain.ModelPricing {
	return &pricingdomain.ModelPricing{
		ModelID:          model,
		ProviderID:       provider,
		InputPricePer1K:  dec(input),
		OutputPricePer1K: dec(output),
		Source:           pricingdomain.PricingSourceProvider,
	}
}

func fetchedQuote(model, provider, input, output string) providers.Quote {
	return providers.Quote{
		ModelID:          model,
		ProviderID:       provider,
		InputPricePer1K:  dec(input),
		OutputPricePer1K: dec(output),
	}
}

func findChange(t *testing.T, set *syncdomain.ChangeSet, model string) syncdomain.Change {
	t.Helper()
	for _, change := range set.Changes {
		if change.ModelID == model {
			return change
		}
	}
	t.Fatalf("no change for model %s", model)
	return syncdomain.Change{}
}

func TestDetectChanges_Classification(t *testing.T) {
	detector := NewDetector()
	current := []*pricingdomain.ModelPricing{
		storedRow("gpt-4o", "openai", "0.0025", "0.01"),
		storedRow("gpt-4o-mini", "openai", "0.00015", "0.0006"),
		storedRow("delisted", "openai", "0.001", "0.002"),
	}
	quotes := []providers.Quote{
		fetchedQuote("gpt-4o", "openai", "0.0025", "0.01"),         // unchanged
		fetchedQuote("gpt-4o-mini", "openai", "0.00016", "0.0006"), // updated ~6.7%
		fetchedQuote("brand-new", "openai", "0.001", "0.004"),      // new
	}

	set := detector.DetectChanges(quotes, current, dec("10"), false)

	assert.Equal(t, 1, set.New)
	assert.Equal(t, 1, set.Updated)
	assert.Equal(t, 1, set.Removed)
	assert.Equal(t, 1, set.Unchanged)

	updated := findChange(t, set, "gpt-4o-mini")
	assert.Equal(t, syncdomain.ChangeKindUpdated, updated.Kind)
	assert.True(t, updated.AutoApplicable)
	require.NotNil(t, updated.ChangePercentInput)
	assert.True(t, updated.ChangePercentInput.Equal(dec("6.6667")), "got %s", updated.ChangePercentInput)

	// New pairs require review unless auto-create is on.
	added := findChange(t, set, "brand-new")
	assert.Equal(t, syncdomain.ChangeKindNew, added.Kind)
	assert.False(t, added.AutoApplicable)

	removed := findChange(t, set, "delisted")
	assert.Equal(t, syncdomain.ChangeKindRemoved, removed.Kind)
	assert.False(t, removed.AutoApplicable, "removed pairs are never auto-applied")
}

func TestDetectChanges_ThresholdBoundary(t *testing.T) {
	detector := NewDetector()
	threshold := dec("10")

	tests := []struct {
		name     string
		newInput string
		wantAuto bool
	}{
		{name: "well within", newInput: "0.00105", wantAuto: true},
		{name: "exactly at threshold", newInput: "0.0011", wantAuto: true},
		{name: "just above", newInput: "0.001101", wantAuto: false},
		{name: "decrease at threshold", newInput: "0.0009", wantAuto: true},
		{name: "decrease beyond", newInput: "0.00089", wantAuto: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := []*pricingdomain.ModelPricing{storedRow("m", "openai", "0.001", "0.002")}
			quotes := []providers.Quote{fetchedQuote("m", "openai", tt.newInput, "0.002")}

			set := detector.DetectChanges(quotes, current, threshold, false)
			require.Len(t, set.Changes, 1)
			assert.Equal(t, tt.wantAuto, set.Changes[0].AutoApplicable)
		})
	}
}

func TestDetectChanges_BothSidesMustPassGate(t *testing.T) {
	detector := NewDetector()
	current := []*pricingdomain.ModelPricing{storedRow("m", "openai", "0.001", "0.002")}
	// Input moves 5%, output moves 50%: one side over the gate blocks auto.
	quotes := []providers.Quote{fetchedQuote("m", "openai", "0.00105", "0.003")}

	set := detector.DetectChanges(quotes, current, dec("10"), false)
	require.Len(t, set.Changes, 1)
	assert.False(t, set.Changes[0].AutoApplicable)
	assert.Equal(t, 1, set.RequiresReview)
}

func TestDetectChanges_AutoCreateNew(t *testing.T) {
	detector := NewDetector()
	quotes := []providers.Quote{fetchedQuote("fresh", "openai", "0.001", "0.002")}

	set := detector.DetectChanges(quotes, nil, dec("10"), true)
	require.Len(t, set.Changes, 1)
	assert.True(t, set.Changes[0].AutoApplicable)
	assert.Equal(t, 1, set.AutoApplicable)
}

func TestDetectChanges_StaticRowsNotFlaggedRemoved(t *testing.T) {
	detector := NewDetector()
	seeded := storedRow("seed-only", "openai", "0.001", "0.002")
	seeded.Source = pricingdomain.PricingSourceStatic

	set := detector.DetectChanges(nil, []*pricingdomain.ModelPricing{seeded}, dec("10"), false)
	assert.Equal(t, 0, set.Removed)
	assert.Empty(t, set.Changes)
}
