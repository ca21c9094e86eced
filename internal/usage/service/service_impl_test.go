package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	balanceservice "github.com/meterline/meterline/internal/balance/service"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	pricingcache "github.com/meterline/meterline/internal/pricing/cache"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	pricingservice "github.com/meterline/meterline/internal/pricing/service"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type reconciliationCapture struct {
	records []*usagedomain.UsageRecord
}

func (c *reconciliationCapture) NotifySyncResult(context.Context, *syncdomain.Result) error {
	return nil
}

func (c *reconciliationCapture) NotifyReconciliationPending(_ context.Context, record *usagedomain.UsageRecord) error {
	c.records = append(c.records, record)
	return nil
}

type usageFixture struct {
	db       *gorm.DB
	balance  balancedomain.Service
	usage    usagedomain.Service
	notifier *reconciliationCapture
}

func setupUsage(t *testing.T) *usageFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&balancedomain.UserBalance{},
		&balancedomain.Transaction{},
		&pricingdomain.ModelPricing{},
		&pricingdomain.PricingChange{},
		&usagedomain.UsageRecord{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	log := zap.NewNop()

	balanceSvc := balanceservice.NewService(balanceservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fake,
		Billing: holder,
	})
	pricingSvc := pricingservice.NewService(pricingservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
	})
	cache := pricingcache.New(pricingcache.Params{
		Pricing: pricingSvc,
		Log:     log,
		Clock:   fake,
		Billing: holder,
	})
	notifier := &reconciliationCapture{}

	usageSvc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Billing:  holder,
		Balance:  balanceSvc,
		Prices:   cache,
		Notifier: notifier,
	})

	return &usageFixture{db: db, balance: balanceSvc, usage: usageSvc, notifier: notifier}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(t *testing.T, svc balancedomain.Service, userID snowflake.ID, amount string) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), balancedomain.DepositRequest{
		UserID: userID,
		Amount: dec(amount),
	})
	require.NoError(t, err)
}

func miniRequest(userID snowflake.ID, requestID string) usagedomain.RecordUsageRequest {
	return usagedomain.RecordUsageRequest{
		UserID:       userID,
		ChatID:       "chat-1",
		ModelID:      "gpt-4o-mini",
		ProviderID:   "openai",
		InputTokens:  500,
		OutputTokens: 500,
		TotalTokens:  1000,
		RequestID:    requestID,
	}
}

func TestRecordAndCharge_EndToEnd(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2001)
	deposit(t, f.balance, userID, "5.00")

	// 500 input at 0.00015/1k plus 500 output at 0.0006/1k.
	result, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, "req-e2e"))
	require.NoError(t, err)
	assert.True(t, result.Cost.Equal(dec("0.000375")), "got %s", result.Cost)
	assert.True(t, result.Balance.Equal(dec("4.999625")), "got %s", result.Balance)
	assert.Equal(t, usagedomain.RecordStatusCompleted, result.Status)
	assert.False(t, result.Duplicate)
	require.NotNil(t, result.TransactionID)

	// Record and transaction cross-reference.
	var record usagedomain.UsageRecord
	require.NoError(t, f.db.First(&record, "request_id = ?", "req-e2e").Error)
	assert.Equal(t, *result.TransactionID, *record.TransactionID)
	assert.True(t, record.TotalCost.Equal(dec("0.000375")))

	balance, err := f.balance.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("4.999625")))
}

func TestRecordAndCharge_ZeroCostIsMeteredNotCharged(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2002)
	deposit(t, f.balance, userID, "5.00")

	// 1 input token at 0.00015/1k rounds to zero at 6 places.
	req := miniRequest(userID, "req-free")
	req.InputTokens = 1
	req.OutputTokens = 0
	req.TotalTokens = 1

	result, err := f.usage.RecordAndCharge(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Cost.IsZero(), "got %s", result.Cost)
	assert.Equal(t, usagedomain.RecordStatusCompleted, result.Status)
	assert.Nil(t, result.TransactionID)

	var record usagedomain.UsageRecord
	require.NoError(t, f.db.First(&record, "request_id = ?", "req-free").Error)
	assert.Equal(t, usagedomain.RecordStatusCompleted, record.Status)
	assert.Nil(t, record.TransactionID)
	assert.True(t, record.TotalCost.IsZero())

	// No ledger trace at all.
	var txnCount int64
	require.NoError(t, f.db.Model(&balancedomain.Transaction{}).
		Where("user_id = ? AND type = ?", userID, balancedomain.TransactionTypeUsage).
		Count(&txnCount).Error)
	assert.Zero(t, txnCount)

	balance, err := f.balance.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("5.00")))
}

func TestRecordAndCharge_Validation(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2002)
	deposit(t, f.balance, userID, "5.00")

	tests := []struct {
		name   string
		mutate func(*usagedomain.RecordUsageRequest)
	}{
		{name: "token sum mismatch", mutate: func(r *usagedomain.RecordUsageRequest) { r.TotalTokens = 999 }},
		{name: "negative input", mutate: func(r *usagedomain.RecordUsageRequest) { r.InputTokens = -1; r.TotalTokens = 499 }},
		{name: "zero total", mutate: func(r *usagedomain.RecordUsageRequest) { r.InputTokens = 0; r.OutputTokens = 0; r.TotalTokens = 0 }},
		{name: "missing request id", mutate: func(r *usagedomain.RecordUsageRequest) { r.RequestID = "" }},
		{name: "missing model", mutate: func(r *usagedomain.RecordUsageRequest) { r.ModelID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := miniRequest(userID, "req-invalid")
			tt.mutate(&req)
			_, err := f.usage.RecordAndCharge(ctx, req)
			assert.ErrorIs(t, err, usagedomain.ErrInvalidUsage)
		})
	}

	// Validation failures charge nothing.
	balance, err := f.balance.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("5.00")))
}

func TestRecordAndCharge_NoPricing(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2003)
	deposit(t, f.balance, userID, "5.00")

	req := miniRequest(userID, "req-nopricing")
	req.ModelID = "unknown-model"
	req.ProviderID = "unknown"

	_, err := f.usage.RecordAndCharge(ctx, req)
	assert.ErrorIs(t, err, pricingdomain.ErrNoPricing)

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).Count(&count).Error)
	assert.Zero(t, count, "failed pricing must leave no record")
}

func TestRecordAndCharge_InsufficientBalance(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2004)
	deposit(t, f.balance, userID, "0.0001")

	_, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, "req-poor"))
	assert.ErrorIs(t, err, balancedomain.ErrInsufficientBalance)

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecordAndCharge_IdempotentReplay(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2005)
	deposit(t, f.balance, userID, "5.00")

	first, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, "req-dup"))
	require.NoError(t, err)

	second, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, "req-dup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.UsageRecordID, second.UsageRecordID)
	assert.True(t, second.Cost.Equal(first.Cost))

	// Charged exactly once.
	balance, err := f.balance.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("4.999625")), "got %s", balance.Balance)
}

func TestRecordAndCharge_DegradesToReconciliation(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2006)
	deposit(t, f.balance, userID, "5.00")

	// Break the usage_records table after setup: the debit commits, the
	// record write fails, the charge must stand.
	require.NoError(t, f.db.Exec("DROP TABLE usage_records").Error)

	result, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, "req-degraded"))
	require.NoError(t, err, "a committed charge is returned even when the record write fails")
	assert.Equal(t, usagedomain.RecordStatusReconciliationPending, result.Status)
	assert.True(t, result.Cost.Equal(dec("0.000375")))

	require.Len(t, f.notifier.records, 1)
	assert.Equal(t, "req-degraded", f.notifier.records[0].RequestID)

	balance, err := f.balance.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("4.999625")), "the charge stands")
}

func TestPreflight_MinBalanceFloor(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()

	rich := snowflake.ID(2010)
	deposit(t, f.balance, rich, "0.01")
	poor := snowflake.ID(2011)
	deposit(t, f.balance, poor, "0.005")

	result, err := f.usage.Preflight(ctx, rich)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "exactly the floor is allowed")

	result, err = f.usage.Preflight(ctx, poor)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.Balance.Equal(dec("0.005")))
	assert.True(t, result.MinBalance.Equal(dec("0.01")))

	// Unknown users preflight as zero balance, not as an error.
	result, err = f.usage.Preflight(ctx, snowflake.ID(424242))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.Balance.IsZero())
}

func TestListUsage_PagesAndFilters(t *testing.T) {
	f := setupUsage(t)
	ctx := context.Background()
	userID := snowflake.ID(2020)
	deposit(t, f.balance, userID, "5.00")

	for i := 0; i < 5; i++ {
		_, err := f.usage.RecordAndCharge(ctx, miniRequest(userID, fmt.Sprintf("req-list-%d", i)))
		require.NoError(t, err)
	}

	req := usagedomain.ListUsageRequest{UserID: userID}
	req.PageSize = 3
	page1, err := f.usage.ListUsage(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page1.UsageRecords, 3)
	assert.True(t, page1.HasMore)

	req.PageToken = page1.NextPageToken
	page2, err := f.usage.ListUsage(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page2.UsageRecords, 2)
	assert.False(t, page2.HasMore)

	completed, err := f.usage.ListUsage(ctx, usagedomain.ListUsageRequest{
		UserID: userID,
		Status: usagedomain.RecordStatusCompleted,
	})
	require.NoError(t, err)
	assert.Len(t, completed.UsageRecords, 5)

	pending, err := f.usage.ListUsage(ctx, usagedomain.ListUsageRequest{
		UserID: userID,
		Status: usagedomain.RecordStatusReconciliationPending,
	})
	require.NoError(t, err)
	assert.Empty(t, pending.UsageRecords)
}
