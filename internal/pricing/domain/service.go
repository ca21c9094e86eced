package domain

import (
	"context"
	"errors"

	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type ApplyPricingRequest struct {
	ModelID      string
	ProviderID   string
	InputPrice   decimal.Decimal
	OutputPrice  decimal.Decimal
	Source       PricingSource
	ChangedBy    string
	ChangeReason string
}

type RemovePricingRequest struct {
	ModelID      string
	ProviderID   string
	ChangedBy    string
	ChangeReason string
}

type ListChangesRequest struct {
	ModelID    string
	ProviderID string
	pagination.Pagination
}

type ListChangesResponse struct {
	pagination.PageInfo
	Changes []*PricingChange `json:"changes"`
}

// Service owns the stored pricing table and its change audit trail.
type Service interface {
	// Resolve returns the effective price for a pair: the stored row when
	// present, otherwise the bundled static default.
	Resolve(ctx context.Context, modelID, providerID string) (*ModelPricing, error)
	// Apply upserts the stored price and appends the audit entry in one
	// transaction.
	Apply(ctx context.Context, req ApplyPricingRequest) (*PricingChange, error)
	// Remove deletes the stored price and appends the audit entry.
	Remove(ctx context.Context, req RemovePricingRequest) (*PricingChange, error)
	List(ctx context.Context) ([]*ModelPricing, error)
	ListChanges(ctx context.Context, req ListChangesRequest) (ListChangesResponse, error)
}

var (
	ErrNoPricing      = errors.New("no_pricing")
	ErrInvalidPrice   = errors.New("invalid_price")
	ErrPricingMissing = errors.New("pricing_not_found")
)
