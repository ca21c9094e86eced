package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPricing struct {
	mu       sync.Mutex
	calls    atomic.Int64
	rows     map[string]*pricingdomain.ModelPricing
	err      error
	resolveD time.Duration
}

func (s *stubPricing) Resolve(ctx context.Context, modelID, providerID string) (*pricingdomain.ModelPricing, error) {
	s.calls.Add(1)
	if s.resolveD > 0 {
		time.Sleep(s.resolveD)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	row, ok := s.rows[providerID+"/"+modelID]
	if !ok {
		return nil, pricingdomain.ErrNoPricing
	}
	return row, nil
}

func (s *stubPricing) Apply(context.Context, pricingdomain.ApplyPricingRequest) (*pricingdomain.PricingChange, error) {
	return nil, nil
}
func (s *stubPricing) Remove(context.Context, pricingdomain.RemovePricingRequest) (*pricingdomain.PricingChange, error) {
	return nil, nil
}
func (s *stubPricing) List(context.Context) ([]*pricingdomain.ModelPricing, error) { return nil, nil }
func (s *stubPricing) ListChanges(context.Context, pricingdomain.ListChangesRequest) (pricingdomain.ListChangesResponse, error) {
	return pricingdomain.ListChangesResponse{}, nil
}

func (s *stubPricing) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func setupCache(t *testing.T, stub *stubPricing, serveStale bool) (*Cache, *clock.FakeClock) {
	t.Helper()

	cfg := config.DefaultBillingConfig()
	cfg.Cache.TTLSeconds = 300
	cfg.Cache.ServeStale = serveStale

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	c := New(Params{
		Pricing: stub,
		Log:     zap.NewNop(),
		Clock:   fake,
		Billing: config.NewStaticBillingConfigHolder(cfg),
	})
	return c, fake
}

func miniPricing() *pricingdomain.ModelPricing {
	return &pricingdomain.ModelPricing{
		ModelID:          "gpt-4o-mini",
		ProviderID:       "openai",
		InputPricePer1K:  decimal.RequireFromString("0.00015"),
		OutputPricePer1K: decimal.RequireFromString("0.0006"),
	}
}

func TestGetPrice_CachesWithinTTL(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{
		"openai/gpt-4o-mini": miniPricing(),
	}}
	c, fake := setupCache(t, stub, true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		row, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
		require.NoError(t, err)
		assert.True(t, row.InputPricePer1K.Equal(decimal.RequireFromString("0.00015")))
	}
	assert.EqualValues(t, 1, stub.calls.Load(), "repeated lookups inside TTL must not hit storage")

	// Past the TTL the next lookup refreshes.
	fake.Advance(301 * time.Second)
	_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGetPrice_MixedCaseHitsSameEntry(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{
		"openai/gpt-4o-mini": miniPricing(),
	}}
	c, _ := setupCache(t, stub, true)
	ctx := context.Background()

	_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)

	// A differently cased report is the same pair, not a second miss.
	row, err := c.GetPrice(ctx, "GPT-4o-Mini", "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", row.ModelID)
	assert.EqualValues(t, 1, stub.calls.Load())

	// Invalidation is case-insensitive too.
	c.Invalidate("GPT-4O-MINI", "OPENAI")
	_, err = c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGetPrice_ServesStaleOnRefreshFailure(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{
		"openai/gpt-4o-mini": miniPricing(),
	}}
	c, fake := setupCache(t, stub, true)
	ctx := context.Background()

	_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)

	fake.Advance(301 * time.Second)
	stub.setErr(pricingdomain.ErrNoPricing)

	row, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err, "stale entry must be served when refresh fails")
	assert.True(t, row.InputPricePer1K.Equal(decimal.RequireFromString("0.00015")))
}

func TestGetPrice_StaleDisabledPropagatesError(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{
		"openai/gpt-4o-mini": miniPricing(),
	}}
	c, fake := setupCache(t, stub, false)
	ctx := context.Background()

	_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)

	fake.Advance(301 * time.Second)
	stub.setErr(pricingdomain.ErrNoPricing)

	_, err = c.GetPrice(ctx, "gpt-4o-mini", "openai")
	assert.ErrorIs(t, err, pricingdomain.ErrNoPricing)
}

func TestGetPrice_UnknownPairFails(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{}}
	c, _ := setupCache(t, stub, true)

	_, err := c.GetPrice(context.Background(), "nope", "nowhere")
	assert.ErrorIs(t, err, pricingdomain.ErrNoPricing)
}

func TestGetPrice_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	stub := &stubPricing{
		rows: map[string]*pricingdomain.ModelPricing{
			"openai/gpt-4o-mini": miniPricing(),
		},
		resolveD: 20 * time.Millisecond,
	}
	c, _ := setupCache(t, stub, true)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, stub.calls.Load(), int64(2), "concurrent misses should collapse into one resolve")
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	stub := &stubPricing{rows: map[string]*pricingdomain.ModelPricing{
		"openai/gpt-4o-mini": miniPricing(),
	}}
	c, _ := setupCache(t, stub, true)
	ctx := context.Background()

	_, err := c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)

	c.Invalidate("gpt-4o-mini", "openai")
	_, err = c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load())

	c.InvalidateAll()
	_, err = c.GetPrice(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stub.calls.Load())
}
