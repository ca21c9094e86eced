package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/clock"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) pricingdomain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&pricingdomain.ModelPricing{}, &pricingdomain.PricingChange{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolve_StoredRowWinsOverDefault(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "gpt-4o-mini",
		ProviderID:  "openai",
		InputPrice:  dec("0.0002"),
		OutputPrice: dec("0.0008"),
		ChangedBy:   "test",
	})
	require.NoError(t, err)

	row, err := svc.Resolve(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.True(t, row.InputPricePer1K.Equal(dec("0.0002")))
	assert.Equal(t, pricingdomain.PricingSourceProvider, row.Source)
}

func TestResolve_FallsBackToBundledDefault(t *testing.T) {
	svc := setupService(t)

	row, err := svc.Resolve(context.Background(), "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.True(t, row.InputPricePer1K.Equal(dec("0.00015")))
	assert.True(t, row.OutputPricePer1K.Equal(dec("0.0006")))
	assert.Equal(t, pricingdomain.PricingSourceStatic, row.Source)
}

func TestResolve_ModelIDCaseInsensitive(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	// Bundled defaults resolve under any spelling.
	row, err := svc.Resolve(ctx, "GPT-4o-Mini", "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, pricingdomain.PricingSourceStatic, row.Source)
	assert.Equal(t, "gpt-4o-mini", row.ModelID)

	// A stored row applied under one spelling is found under another.
	_, err = svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "GPT-4o-Mini",
		ProviderID:  "OpenAI",
		InputPrice:  dec("0.0002"),
		OutputPrice: dec("0.0008"),
		ChangedBy:   "test",
	})
	require.NoError(t, err)

	stored, err := svc.Resolve(ctx, "gpt-4o-MINI", "openai")
	require.NoError(t, err)
	assert.Equal(t, pricingdomain.PricingSourceProvider, stored.Source)
	assert.Equal(t, "gpt-4o-mini", stored.ModelID)
	assert.True(t, stored.InputPricePer1K.Equal(dec("0.0002")))
}

func TestResolve_UnknownPairIsNoPricing(t *testing.T) {
	svc := setupService(t)

	_, err := svc.Resolve(context.Background(), "unknown-model", "unknown")
	assert.ErrorIs(t, err, pricingdomain.ErrNoPricing)
}

func TestApply_RecordsChangeWithPercentages(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	first, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "gpt-4o",
		ProviderID:  "openai",
		InputPrice:  dec("0.0025"),
		OutputPrice: dec("0.01"),
		ChangedBy:   "sync",
	})
	require.NoError(t, err)
	assert.Nil(t, first.OldInputPrice)
	assert.Nil(t, first.ChangePercentInput)

	second, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "gpt-4o",
		ProviderID:  "openai",
		InputPrice:  dec("0.00275"),
		OutputPrice: dec("0.009"),
		ChangedBy:   "sync",
	})
	require.NoError(t, err)
	require.NotNil(t, second.OldInputPrice)
	assert.True(t, second.OldInputPrice.Equal(dec("0.0025")))
	require.NotNil(t, second.ChangePercentInput)
	assert.True(t, second.ChangePercentInput.Equal(dec("10")), "got %s", second.ChangePercentInput)
	require.NotNil(t, second.ChangePercentOutput)
	assert.True(t, second.ChangePercentOutput.Equal(dec("-10")), "got %s", second.ChangePercentOutput)

	// The stored row reflects the latest apply.
	row, err := svc.Resolve(ctx, "gpt-4o", "openai")
	require.NoError(t, err)
	assert.True(t, row.InputPricePer1K.Equal(dec("0.00275")))

	rows, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApply_RejectsOutOfRangePrices(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		input  decimal.Decimal
		output decimal.Decimal
	}{
		{name: "zero input", input: decimal.Zero, output: dec("0.01")},
		{name: "negative output", input: dec("0.01"), output: dec("-0.01")},
		{name: "above cap", input: dec("100.01"), output: dec("0.01")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
				ModelID:     "m",
				ProviderID:  "p",
				InputPrice:  tt.input,
				OutputPrice: tt.output,
				ChangedBy:   "test",
			})
			assert.ErrorIs(t, err, pricingdomain.ErrInvalidPrice)
		})
	}
}

func TestRemove_DeletesRowAndAuditsChange(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "legacy-model",
		ProviderID:  "openai",
		InputPrice:  dec("0.001"),
		OutputPrice: dec("0.002"),
		ChangedBy:   "sync",
	})
	require.NoError(t, err)

	change, err := svc.Remove(ctx, pricingdomain.RemovePricingRequest{
		ModelID:      "legacy-model",
		ProviderID:   "openai",
		ChangedBy:    "admin",
		ChangeReason: "delisted upstream",
	})
	require.NoError(t, err)
	require.NotNil(t, change.OldInputPrice)
	assert.True(t, change.NewInputPrice.IsZero())

	_, err = svc.Resolve(ctx, "legacy-model", "openai")
	assert.ErrorIs(t, err, pricingdomain.ErrNoPricing)

	_, err = svc.Remove(ctx, pricingdomain.RemovePricingRequest{
		ModelID:    "legacy-model",
		ProviderID: "openai",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrPricingMissing)
}

func TestListChanges_FiltersAndPages(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
			ModelID:     "gpt-4o",
			ProviderID:  "openai",
			InputPrice:  dec("0.0025").Add(decimal.NewFromInt(int64(i)).Shift(-4)),
			OutputPrice: dec("0.01"),
			ChangedBy:   "sync",
		})
		require.NoError(t, err)
	}
	_, err := svc.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:     "claude-3-5-sonnet",
		ProviderID:  "anthropic",
		InputPrice:  dec("0.003"),
		OutputPrice: dec("0.015"),
		ChangedBy:   "sync",
	})
	require.NoError(t, err)

	req := pricingdomain.ListChangesRequest{ModelID: "gpt-4o"}
	req.PageSize = 2
	page1, err := svc.ListChanges(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page1.Changes, 2)
	assert.True(t, page1.HasMore)

	req.PageToken = page1.NextPageToken
	page2, err := svc.ListChanges(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page2.Changes, 1)
	assert.False(t, page2.HasMore)
}
