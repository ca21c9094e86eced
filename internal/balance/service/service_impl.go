package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/events"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCurrency = "USD"

// errVersionConflict signals a lost optimistic-lock race; the caller retries.
var errVersionConflict = errors.New("balance_version_conflict")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("balance.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Deposit(ctx context.Context, req balancedomain.DepositRequest) (*balancedomain.Transaction, error) {
	if req.UserID == 0 {
		return nil, balancedomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, balancedomain.ErrInvalidAmount
	}

	// A duplicate payment confirmation must not double-credit.
	if req.ExternalRef != "" {
		existing, err := s.findByExternalRef(ctx, req.ExternalRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if err := s.ensureBalanceRow(ctx, req.UserID, currency); err != nil {
		return nil, err
	}

	var externalRef *string
	if req.ExternalRef != "" {
		ref := req.ExternalRef
		externalRef = &ref
	}

	txn, err := s.mutateBalance(ctx, req.UserID, func(current *balancedomain.UserBalance) (*balancedomain.Transaction, error) {
		return &balancedomain.Transaction{
			UserID:        req.UserID,
			Type:          balancedomain.TransactionTypeDeposit,
			Amount:        req.Amount,
			Currency:      current.Currency,
			BalanceBefore: current.Balance,
			BalanceAfter:  current.Balance.Add(req.Amount),
			Description:   req.Description,
			ExternalRef:   externalRef,
			Metadata:      toJSONMap(req.Metadata),
		}, nil
	}, nil)
	if err != nil {
		if db.IsDuplicateKeyErr(err) && req.ExternalRef != "" {
			// Lost a concurrent race on the same payment reference.
			return s.findByExternalRef(ctx, req.ExternalRef)
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) Debit(ctx context.Context, req balancedomain.DebitRequest) (*balancedomain.Transaction, error) {
	if req.UserID == 0 {
		return nil, balancedomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, balancedomain.ErrInvalidAmount
	}
	if req.RequestID == "" {
		return nil, balancedomain.ErrInvalidRequestID
	}

	// Strict idempotency: a retried request returns the committed
	// transaction without touching the balance again.
	existing, err := s.findByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	requestID := req.RequestID
	txn, err := s.mutateBalance(ctx, req.UserID, func(current *balancedomain.UserBalance) (*balancedomain.Transaction, error) {
		if current.Balance.LessThan(req.Amount) {
			return nil, balancedomain.ErrInsufficientBalance
		}
		return &balancedomain.Transaction{
			UserID:        req.UserID,
			Type:          balancedomain.TransactionTypeUsage,
			Amount:        req.Amount,
			Currency:      current.Currency,
			BalanceBefore: current.Balance,
			BalanceAfter:  current.Balance.Sub(req.Amount),
			Description:   req.Description,
			RequestID:     &requestID,
			Metadata:      toJSONMap(req.Metadata),
		}, nil
	}, nil)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent retry with the same request id committed first.
			return s.findByRequestID(ctx, req.RequestID)
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) Refund(ctx context.Context, req balancedomain.RefundRequest) (*balancedomain.Transaction, error) {
	if req.TransactionID == 0 {
		return nil, balancedomain.ErrTransactionNotFound
	}

	var original balancedomain.Transaction
	err := s.db.WithContext(ctx).First(&original, "id = ?", req.TransactionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, balancedomain.ErrTransactionNotFound
		}
		return nil, err
	}
	if original.Type != balancedomain.TransactionTypeUsage {
		return nil, balancedomain.ErrNotRefundable
	}

	refunded, err := s.refundedTotal(s.db.WithContext(ctx), original.ID)
	if err != nil {
		return nil, err
	}
	remaining := original.Amount.Sub(refunded)

	amount := req.Amount
	if amount.IsZero() {
		amount = remaining
	}
	if !amount.IsPositive() {
		return nil, balancedomain.ErrInvalidAmount
	}
	if amount.GreaterThan(remaining) {
		return nil, balancedomain.ErrRefundExceedsOriginal
	}

	originalID := original.ID
	return s.mutateBalance(ctx, original.UserID, func(current *balancedomain.UserBalance) (*balancedomain.Transaction, error) {
		return &balancedomain.Transaction{
			UserID:        original.UserID,
			Type:          balancedomain.TransactionTypeRefund,
			Amount:        amount,
			Currency:      current.Currency,
			BalanceBefore: current.Balance,
			BalanceAfter:  current.Balance.Add(amount),
			Description:   req.Reason,
			RefundOfID:    &originalID,
		}, nil
	}, func(tx *gorm.DB) error {
		// The bound check above races parallel refunds of the same
		// transaction. Re-check under the balance row lock so the refund
		// sum can never exceed the original amount.
		refunded, err := s.refundedTotal(tx, original.ID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(original.Amount.Sub(refunded)) {
			return balancedomain.ErrRefundExceedsOriginal
		}
		return nil
	})
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (*balancedomain.UserBalance, error) {
	if userID == 0 {
		return nil, balancedomain.ErrInvalidUser
	}

	var row balancedomain.UserBalance
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &balancedomain.UserBalance{
				UserID:   userID,
				Balance:  decimal.Zero,
				Currency: defaultCurrency,
			}, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) ListTransactions(ctx context.Context, req balancedomain.ListTransactionsRequest) (balancedomain.ListTransactionsResponse, error) {
	if req.UserID == 0 {
		return balancedomain.ListTransactionsResponse{}, balancedomain.ErrInvalidUser
	}
	limit := req.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", req.UserID).
		Order("id DESC").
		Limit(limit + 1)
	if req.Type != "" {
		query = query.Where("type = ?", req.Type)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return balancedomain.ListTransactionsResponse{}, err
		}
		cursorID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return balancedomain.ListTransactionsResponse{}, err
		}
		query = query.Where("id < ?", cursorID)
	}

	var rows []*balancedomain.Transaction
	if err := query.Find(&rows).Error; err != nil {
		return balancedomain.ListTransactionsResponse{}, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(t *balancedomain.Transaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		return token
	})
	return balancedomain.ListTransactionsResponse{
		PageInfo:     *pageInfo,
		Transactions: rows,
	}, nil
}

// mutateBalance serializes a single user's balance mutation behind a
// version compare-and-swap with bounded retries. build receives the current
// projection and returns the transaction to append; returning an error
// aborts without side effects. verify, when set, runs inside the storage
// transaction once the version swap holds the balance row lock; its error
// rolls the whole mutation back.
func (s *Service) mutateBalance(
	ctx context.Context,
	userID snowflake.ID,
	build func(current *balancedomain.UserBalance) (*balancedomain.Transaction, error),
	verify func(tx *gorm.DB) error,
) (*balancedomain.Transaction, error) {
	maxRetries := 3
	if s.billing != nil {
		if v := s.billing.Get().DebitMaxRetries; v > 0 {
			maxRetries = v
		}
	}

	var txn *balancedomain.Transaction
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		current, err := s.loadBalance(ctx, userID)
		if err != nil {
			return nil, err
		}

		candidate, err := build(current)
		if err != nil {
			return nil, err
		}
		if candidate.BalanceAfter.IsNegative() {
			return nil, balancedomain.ErrInsufficientBalance
		}

		now := s.now()
		candidate.ID = s.genID.Generate()
		candidate.CreatedAt = now

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Exec(
				`UPDATE user_balances SET balance = ?, version = ?, updated_at = ? WHERE user_id = ? AND version = ?`,
				candidate.BalanceAfter,
				current.Version+1,
				now,
				userID,
				current.Version,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errVersionConflict
			}
			if verify != nil {
				if err := verify(tx); err != nil {
					return err
				}
			}
			if err := tx.Create(candidate).Error; err != nil {
				return err
			}
			if s.outbox != nil {
				if err := s.outbox.PublishTx(ctx, tx, events.Event{
					Type: events.EventTransactionCreated,
					Payload: map[string]any{
						"transaction_id": candidate.ID.String(),
						"user_id":        userID.String(),
						"type":           string(candidate.Type),
						"amount":         candidate.Amount.String(),
					},
					DedupeKey: "transaction:" + candidate.ID.String(),
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			txn = candidate
			break
		}
		if errors.Is(err, errVersionConflict) {
			s.log.Debug("balance version conflict, retrying",
				zap.String("user_id", userID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, err
	}

	if txn == nil {
		return nil, balancedomain.ErrPersistence
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransaction(ctx, string(txn.Type))
	}
	return txn, nil
}

func (s *Service) loadBalance(ctx context.Context, userID snowflake.ID) (*balancedomain.UserBalance, error) {
	var row balancedomain.UserBalance
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No row means a zero balance; any debit against it fails the
			// insufficiency check before touching storage.
			return &balancedomain.UserBalance{
				UserID:   userID,
				Balance:  decimal.Zero,
				Currency: defaultCurrency,
				Version:  0,
			}, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) ensureBalanceRow(ctx context.Context, userID snowflake.ID, currency string) error {
	row := balancedomain.UserBalance{
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  currency,
		Version:   0,
		UpdatedAt: s.now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (s *Service) findByRequestID(ctx context.Context, requestID string) (*balancedomain.Transaction, error) {
	var txn balancedomain.Transaction
	err := s.db.WithContext(ctx).First(&txn, "request_id = ?", requestID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (s *Service) findByExternalRef(ctx context.Context, externalRef string) (*balancedomain.Transaction, error) {
	var txn balancedomain.Transaction
	err := s.db.WithContext(ctx).First(&txn, "external_ref = ?", externalRef).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// refundedTotal sums committed refunds of one transaction. q is either the
// request-scoped handle or an open storage transaction.
func (s *Service) refundedTotal(q *gorm.DB, originalID snowflake.ID) (decimal.Decimal, error) {
	var refunds []balancedomain.Transaction
	err := q.
		Where("refund_of_id = ? AND type = ?", originalID, balancedomain.TransactionTypeRefund).
		Find(&refunds).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, refund := range refunds {
		total = total.Add(refund.Amount)
	}
	return total, nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func toJSONMap(metadata map[string]any) datatypes.JSONMap {
	if len(metadata) == 0 {
		return nil
	}
	return datatypes.JSONMap(metadata)
}
