package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var maxPricePer1K = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) pricingdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricing.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Resolve(ctx context.Context, modelID, providerID string) (*pricingdomain.ModelPricing, error) {
	modelID = pricingdomain.NormalizeModelID(modelID)
	providerID = pricingdomain.NormalizeProviderID(providerID)
	if modelID == "" || providerID == "" {
		return nil, pricingdomain.ErrNoPricing
	}

	var row pricingdomain.ModelPricing
	err := s.db.WithContext(ctx).
		First(&row, "model_id = ? AND provider_id = ?", modelID, providerID).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if fallback, ok := pricingdomain.StaticDefault(modelID, providerID); ok {
		return fallback, nil
	}
	return nil, pricingdomain.ErrNoPricing
}

func (s *Service) Apply(ctx context.Context, req pricingdomain.ApplyPricingRequest) (*pricingdomain.PricingChange, error) {
	if err := validatePrice(req.InputPrice); err != nil {
		return nil, err
	}
	if err := validatePrice(req.OutputPrice); err != nil {
		return nil, err
	}
	modelID := pricingdomain.NormalizeModelID(req.ModelID)
	providerID := pricingdomain.NormalizeProviderID(req.ProviderID)
	if modelID == "" || providerID == "" {
		return nil, pricingdomain.ErrInvalidPrice
	}

	source := req.Source
	if source == "" {
		source = pricingdomain.PricingSourceProvider
	}
	now := s.clock.Now()

	var change *pricingdomain.PricingChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old *pricingdomain.ModelPricing
		var existing pricingdomain.ModelPricing
		err := tx.First(&existing, "model_id = ? AND provider_id = ?", modelID, providerID).Error
		switch {
		case err == nil:
			old = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		row := pricingdomain.ModelPricing{
			ID:               s.genID.Generate(),
			ModelID:          modelID,
			ProviderID:       providerID,
			InputPricePer1K:  req.InputPrice,
			OutputPricePer1K: req.OutputPrice,
			Source:           source,
			EffectiveFrom:    now,
			UpdatedAt:        now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "model_id"}, {Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"input_price_per_1k", "output_price_per_1k", "source", "effective_from", "updated_at",
			}),
		}).Create(&row).Error; err != nil {
			return err
		}

		change = &pricingdomain.PricingChange{
			ID:             s.genID.Generate(),
			ModelID:        modelID,
			ProviderID:     providerID,
			NewInputPrice:  req.InputPrice,
			NewOutputPrice: req.OutputPrice,
			ChangedBy:      req.ChangedBy,
			ChangeReason:   req.ChangeReason,
			CreatedAt:      now,
		}
		if old != nil {
			change.OldInputPrice = &old.InputPricePer1K
			change.OldOutputPrice = &old.OutputPricePer1K
			change.ChangePercentInput = ChangePercent(old.InputPricePer1K, req.InputPrice)
			change.ChangePercentOutput = ChangePercent(old.OutputPricePer1K, req.OutputPrice)
		}
		return tx.Create(change).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("pricing applied",
		zap.String("model_id", modelID),
		zap.String("provider_id", providerID),
		zap.String("input_price", req.InputPrice.String()),
		zap.String("output_price", req.OutputPrice.String()),
		zap.String("changed_by", req.ChangedBy),
	)
	return change, nil
}

func (s *Service) Remove(ctx context.Context, req pricingdomain.RemovePricingRequest) (*pricingdomain.PricingChange, error) {
	modelID := pricingdomain.NormalizeModelID(req.ModelID)
	providerID := pricingdomain.NormalizeProviderID(req.ProviderID)

	var change *pricingdomain.PricingChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing pricingdomain.ModelPricing
		err := tx.First(&existing, "model_id = ? AND provider_id = ?", modelID, providerID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pricingdomain.ErrPricingMissing
			}
			return err
		}

		if err := tx.Delete(&pricingdomain.ModelPricing{}, "id = ?", existing.ID).Error; err != nil {
			return err
		}

		change = &pricingdomain.PricingChange{
			ID:             s.genID.Generate(),
			ModelID:        modelID,
			ProviderID:     providerID,
			OldInputPrice:  &existing.InputPricePer1K,
			OldOutputPrice: &existing.OutputPricePer1K,
			NewInputPrice:  decimal.Zero,
			NewOutputPrice: decimal.Zero,
			ChangedBy:      req.ChangedBy,
			ChangeReason:   req.ChangeReason,
			CreatedAt:      s.clock.Now(),
		}
		return tx.Create(change).Error
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (s *Service) List(ctx context.Context) ([]*pricingdomain.ModelPricing, error) {
	var rows []*pricingdomain.ModelPricing
	err := s.db.WithContext(ctx).
		Order("provider_id ASC, model_id ASC").
		Find(&rows).Error
	return rows, err
}

// ListChanges pages the audit trail newest-first.
func (s *Service) ListChanges(ctx context.Context, req pricingdomain.ListChangesRequest) (pricingdomain.ListChangesResponse, error) {
	limit := req.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Order("id DESC").Limit(limit + 1)
	if req.ModelID != "" {
		query = query.Where("model_id = ?", pricingdomain.NormalizeModelID(req.ModelID))
	}
	if req.ProviderID != "" {
		query = query.Where("provider_id = ?", pricingdomain.NormalizeProviderID(req.ProviderID))
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return pricingdomain.ListChangesResponse{}, err
		}
		cursorID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return pricingdomain.ListChangesResponse{}, err
		}
		query = query.Where("id < ?", cursorID)
	}

	var rows []*pricingdomain.PricingChange
	if err := query.Find(&rows).Error; err != nil {
		return pricingdomain.ListChangesResponse{}, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(c *pricingdomain.PricingChange) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: c.ID.String()})
		return token
	})
	return pricingdomain.ListChangesResponse{
		PageInfo: *pageInfo,
		Changes:  rows,
	}, nil
}

// ChangePercent is (new-old)/old*100 rounded to 4 places; nil when there is
// no old price to compare against.
func ChangePercent(old, new decimal.Decimal) *decimal.Decimal {
	if old.IsZero() {
		return nil
	}
	pct := new.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).Round(4)
	return &pct
}

func validatePrice(price decimal.Decimal) error {
	if !price.IsPositive() || price.GreaterThan(maxPricePer1K) {
		return pricingdomain.ErrInvalidPrice
	}
	return nil
}
