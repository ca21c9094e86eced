package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidQuote(t *testing.T) {
	tests := []struct {
		name  string
		quote Quote
		want  bool
	}{
		{name: "valid", quote: quote("openai", "gpt-4o", "0.0025", "0.01"), want: true},
		{name: "at cap", quote: quote("openai", "m", "100", "100"), want: true},
		{name: "zero input", quote: quote("openai", "m", "0", "0.01"), want: false},
		{name: "negative output", quote: Quote{ModelID: "m", InputPricePer1K: decimal.NewFromInt(1), OutputPricePer1K: decimal.NewFromInt(-1)}, want: false},
		{name: "above cap", quote: quote("openai", "m", "100.01", "0.01"), want: false},
		{name: "missing model", quote: Quote{InputPricePer1K: decimal.NewFromInt(1), OutputPricePer1K: decimal.NewFromInt(1)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidQuote(tt.quote))
		})
	}
}

func TestCatalogAdapter_FetchDropsInvalidQuotes(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	table := []Quote{
		quote("openai", "gpt-4o", "0.0025", "0.01"),
		{ModelID: "broken", ProviderID: "openai"}, // zero prices
	}
	adapter := newCatalogAdapter("openai", FreshnessDaily, table, fake)

	result, err := adapter.FetchPricing(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Quotes, 1)
	assert.Equal(t, 1, result.Invalid)
	assert.Equal(t, "openai", result.Provider)

	health := adapter.Health()
	assert.Equal(t, 0, health.FailureCount)
	assert.Equal(t, fake.Now(), health.LastSuccess)
}

func TestTracker_BackoffAfterFailure(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	adapter := newCatalogAdapter("openai", FreshnessDaily, openAITable, fake)

	assert.True(t, adapter.Available(context.Background()))

	adapter.recordFailure(fake.Now())
	assert.False(t, adapter.Available(context.Background()), "adapter must back off after a failure")

	// One failure backs off for one minute.
	fake.Advance(61 * time.Second)
	assert.True(t, adapter.Available(context.Background()))

	adapter.recordFailure(fake.Now())
	adapter.recordFailure(fake.Now())
	fake.Advance(90 * time.Second)
	assert.False(t, adapter.Available(context.Background()), "repeated failures lengthen the backoff")

	adapter.recordSuccess(fake.Now())
	assert.True(t, adapter.Available(context.Background()))
	assert.Equal(t, 0, adapter.Health().FailureCount)
}

func TestRegistry_GetSelectAll(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	registry := NewRegistry(NewOpenAI(fake), NewAnthropic(fake), NewStatic(fake))

	provider, err := registry.Get("OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider.Name())

	_, err = registry.Get("stripe")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "anthropic", all[0].Name(), "All is sorted by name")

	subset, err := registry.Select([]string{"static"})
	require.NoError(t, err)
	require.Len(t, subset, 1)
	assert.Equal(t, "static", subset[0].Name())

	everything, err := registry.Select(nil)
	require.NoError(t, err)
	assert.Len(t, everything, 3)
}

func TestOpenRouter_FetchPricing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, openRouterModelsPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"openai/gpt-4o-mini","pricing":{"prompt":"0.00000015","completion":"0.0000006"}},
			{"id":"anthropic/claude-3-5-sonnet","pricing":{"prompt":"0.000003","completion":"0.000015"}},
			{"id":"no-vendor-prefix","pricing":{"prompt":"0.000001","completion":"0.000002"}},
			{"id":"openai/bad-price","pricing":{"prompt":"free","completion":"0.000002"}}
		]}`))
	}))
	defer server.Close()

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	adapter := NewOpenRouter(server.URL, server.Client(), fake, zap.NewNop())

	result, err := adapter.FetchPricing(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Quotes, 2)
	assert.Equal(t, 2, result.Invalid)

	// Per-token catalog prices are scaled to per-1k.
	mini := result.Quotes[0]
	assert.Equal(t, "openai", mini.ProviderID)
	assert.Equal(t, "gpt-4o-mini", mini.ModelID)
	assert.True(t, mini.InputPricePer1K.Equal(decimal.RequireFromString("0.00015")), "got %s", mini.InputPricePer1K)
	assert.True(t, mini.OutputPricePer1K.Equal(decimal.RequireFromString("0.0006")), "got %s", mini.OutputPricePer1K)

	assert.Equal(t, FreshnessRealtime, adapter.DataFreshness())
	assert.True(t, adapter.Available(context.Background()))
}

func TestOpenRouter_FetchFailureBacksOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	adapter := NewOpenRouter(server.URL, server.Client(), fake, zap.NewNop())

	_, err := adapter.FetchPricing(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, 1, adapter.Health().FailureCount)
	assert.False(t, adapter.Available(context.Background()))
}
