package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/alerting"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/events"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	pricingcache "github.com/meterline/meterline/internal/pricing/cache"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var per1K = decimal.NewFromInt(1000)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Balance    balancedomain.Service
	Prices     *pricingcache.Cache
	Outbox     *events.Outbox      `optional:"true"`
	Notifier   alerting.Notifier   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	balance    balancedomain.Service
	prices     *pricingcache.Cache
	outbox     *events.Outbox
	notifier   alerting.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		balance:    p.Balance,
		prices:     p.Prices,
		outbox:     p.Outbox,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordAndCharge is validate → price → debit → record, in that order. Once
// the debit commits the charge stands: a failure writing the audit record
// degrades to a reconciliation_pending record instead of rolling back.
func (s *Service) RecordAndCharge(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.ChargeResult, error) {
	if err := validateUsage(req); err != nil {
		return nil, err
	}

	if existing, err := s.findByRequestID(ctx, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, existing)
	}

	price, err := s.prices.GetPrice(ctx, req.ModelID, req.ProviderID)
	if err != nil {
		return nil, err
	}

	cost := decimal.NewFromInt(req.InputTokens).Div(per1K).Mul(price.InputPricePer1K).
		Add(decimal.NewFromInt(req.OutputTokens).Div(per1K).Mul(price.OutputPricePer1K)).
		Round(6)

	// A cost that rounds to zero is metered without a ledger debit: the
	// record stays completed with TotalCost zero and no TransactionID.
	// Reconciliation tooling keys on Status, never on a missing
	// TransactionID, so the two nil-transaction shapes stay distinct.
	var txn *balancedomain.Transaction
	if cost.IsPositive() {
		txn, err = s.balance.Debit(ctx, balancedomain.DebitRequest{
			UserID:      req.UserID,
			Amount:      cost,
			RequestID:   req.RequestID,
			Description: "chat completion " + req.ModelID,
			Metadata: map[string]any{
				"chat_id":       req.ChatID,
				"model_id":      req.ModelID,
				"provider_id":   req.ProviderID,
				"input_tokens":  req.InputTokens,
				"output_tokens": req.OutputTokens,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	record := &usagedomain.UsageRecord{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		ModelID:      req.ModelID,
		ProviderID:   req.ProviderID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		TotalTokens:  req.TotalTokens,
		TotalCost:    cost,
		RequestID:    req.RequestID,
		Status:       usagedomain.RecordStatusCompleted,
		CreatedAt:    s.clock.Now(),
	}
	if txn != nil {
		record.TransactionID = &txn.ID
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent retry won the insert; surface its outcome.
			prior, lookupErr := s.findByRequestID(ctx, req.RequestID)
			if lookupErr == nil && prior != nil {
				return s.replay(ctx, prior)
			}
		}
		return s.degradeToReconciliation(ctx, record, txn, err)
	}

	s.recordUsageMetric(ctx, string(record.Status))
	result := &usagedomain.ChargeResult{
		Cost:          cost,
		UsageRecordID: record.ID,
		TransactionID: record.TransactionID,
		Status:        record.Status,
	}
	if txn != nil {
		result.Balance = txn.BalanceAfter
	}
	return result, nil
}

// degradeToReconciliation makes a best-effort second write with the degraded
// status and alerts operators either way. The committed charge is never
// reversed here.
func (s *Service) degradeToReconciliation(
	ctx context.Context,
	record *usagedomain.UsageRecord,
	txn *balancedomain.Transaction,
	cause error,
) (*usagedomain.ChargeResult, error) {
	record.Status = usagedomain.RecordStatusReconciliationPending

	s.log.Error("usage record write failed after committed charge",
		zap.String("user_id", record.UserID.String()),
		zap.String("request_id", record.RequestID),
		zap.String("cost", record.TotalCost.String()),
		zap.Error(cause),
	)

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.log.Error("reconciliation record write failed too", zap.Error(err))
	}

	payload := events.ReconciliationPayload{
		UsageRecordID: record.ID.String(),
		UserID:        record.UserID.String(),
		RequestID:     record.RequestID,
	}
	if record.TransactionID != nil {
		payload.TransactionID = record.TransactionID.String()
	}
	if s.outbox != nil {
		if err := s.outbox.Publish(ctx, events.Event{
			Type:      events.EventReconciliationPending,
			Payload:   payload.ToMap(),
			DedupeKey: "reconciliation:" + record.RequestID,
		}); err != nil {
			s.log.Error("publishing reconciliation event failed", zap.Error(err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyReconciliationPending(ctx, record); err != nil {
			s.log.Warn("reconciliation notification failed", zap.Error(err))
		}
	}
	s.recordUsageMetric(ctx, string(record.Status))

	result := &usagedomain.ChargeResult{
		Cost:          record.TotalCost,
		UsageRecordID: record.ID,
		TransactionID: record.TransactionID,
		Status:        record.Status,
	}
	if txn != nil {
		result.Balance = txn.BalanceAfter
	}
	return result, nil
}

// replay reconstructs the outcome of an already-metered request.
func (s *Service) replay(ctx context.Context, record *usagedomain.UsageRecord) (*usagedomain.ChargeResult, error) {
	result := &usagedomain.ChargeResult{
		Cost:          record.TotalCost,
		UsageRecordID: record.ID,
		TransactionID: record.TransactionID,
		Status:        record.Status,
		Duplicate:     true,
	}
	balance, err := s.balance.GetBalance(ctx, record.UserID)
	if err == nil {
		result.Balance = balance.Balance
	}
	return result, nil
}

func (s *Service) Preflight(ctx context.Context, userID snowflake.ID) (*usagedomain.PreflightResult, error) {
	if userID == 0 {
		return nil, usagedomain.ErrInvalidUser
	}

	balance, err := s.balance.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	min := s.minBalance()
	return &usagedomain.PreflightResult{
		Allowed:    balance.Balance.GreaterThanOrEqual(min),
		Balance:    balance.Balance,
		MinBalance: min,
	}, nil
}

func (s *Service) ListUsage(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	if req.UserID == 0 {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidUser
	}
	limit := req.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", req.UserID).
		Order("id DESC").
		Limit(limit + 1)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return usagedomain.ListUsageResponse{}, err
		}
		cursorID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return usagedomain.ListUsageResponse{}, err
		}
		query = query.Where("id < ?", cursorID)
	}

	var rows []*usagedomain.UsageRecord
	if err := query.Find(&rows).Error; err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(r *usagedomain.UsageRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: r.ID.String()})
		return token
	})
	return usagedomain.ListUsageResponse{
		PageInfo:     *pageInfo,
		UsageRecords: rows,
	}, nil
}

func (s *Service) findByRequestID(ctx context.Context, requestID string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) minBalance() decimal.Decimal {
	if s.billing != nil {
		if min, err := decimal.NewFromString(s.billing.Get().MinBalance); err == nil {
			return min
		}
	}
	return decimal.RequireFromString("0.01")
}

func (s *Service) recordUsageMetric(ctx context.Context, status string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsage(ctx, status)
	}
}

func validateUsage(req usagedomain.RecordUsageRequest) error {
	if req.UserID == 0 {
		return usagedomain.ErrInvalidUser
	}
	if req.RequestID == "" || req.ModelID == "" || req.ProviderID == "" {
		return usagedomain.ErrInvalidUsage
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.TotalTokens <= 0 {
		return usagedomain.ErrInvalidUsage
	}
	if req.InputTokens+req.OutputTokens != req.TotalTokens {
		return usagedomain.ErrInvalidUsage
	}
	return nil
}
