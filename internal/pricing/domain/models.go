// Package domain contains persistence models for model pricing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PricingSource records where a price row came from.
type PricingSource string

const (
	PricingSourceProvider PricingSource = "provider"
	PricingSourceStatic   PricingSource = "static"
	PricingSourceManual   PricingSource = "manual"
)

// ModelPricing is the current price for one (model, provider) pair.
// Prices are per 1000 tokens and must lie in (0, 100].
type ModelPricing struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	ModelID          string          `gorm:"type:text;not null;uniqueIndex:ux_model_pricing_model_provider" json:"model_id"`
	ProviderID       string          `gorm:"type:text;not null;uniqueIndex:ux_model_pricing_model_provider" json:"provider_id"`
	InputPricePer1K  decimal.Decimal `gorm:"column:input_price_per_1k;type:decimal(20,6);not null" json:"input_price_per_1k"`
	OutputPricePer1K decimal.Decimal `gorm:"column:output_price_per_1k;type:decimal(20,6);not null" json:"output_price_per_1k"`
	Source           PricingSource   `gorm:"type:text;not null;default:provider" json:"source"`
	EffectiveFrom    time.Time       `gorm:"not null" json:"effective_from"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ModelPricing) TableName() string { return "model_pricing" }

// PricingChange is an append-only audit entry, written only when a price
// actually changes (sync apply or manual approval), never on dry runs.
type PricingChange struct {
	ID                  snowflake.ID     `gorm:"primaryKey" json:"id"`
	ModelID             string           `gorm:"type:text;not null;index" json:"model_id"`
	ProviderID          string           `gorm:"type:text;not null;index" json:"provider_id"`
	OldInputPrice       *decimal.Decimal `gorm:"type:decimal(20,6)" json:"old_input_price,omitempty"`
	OldOutputPrice      *decimal.Decimal `gorm:"type:decimal(20,6)" json:"old_output_price,omitempty"`
	NewInputPrice       decimal.Decimal  `gorm:"type:decimal(20,6);not null" json:"new_input_price"`
	NewOutputPrice      decimal.Decimal  `gorm:"type:decimal(20,6);not null" json:"new_output_price"`
	ChangePercentInput  *decimal.Decimal `gorm:"type:decimal(20,6)" json:"change_percent_input,omitempty"`
	ChangePercentOutput *decimal.Decimal `gorm:"type:decimal(20,6)" json:"change_percent_output,omitempty"`
	ChangedBy           string           `gorm:"type:text;not null" json:"changed_by"`
	ChangeReason        string           `gorm:"type:text" json:"change_reason,omitempty"`
	CreatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// TableName sets the database table name.
func (PricingChange) TableName() string { return "pricing_changes" }
