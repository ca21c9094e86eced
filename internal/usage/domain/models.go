// Package domain contains persistence models for usage metering.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RecordStatus tracks whether the audit record landed next to its charge.
type RecordStatus string

const (
	RecordStatusCompleted RecordStatus = "completed"
	// RecordStatusReconciliationPending marks a record written best-effort
	// after the charge committed but the primary record write failed.
	RecordStatusReconciliationPending RecordStatus = "reconciliation_pending"
)

// UsageRecord is one metered chat completion and what it cost.
type UsageRecord struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID        snowflake.ID    `gorm:"not null;index" json:"user_id"`
	ChatID        string          `gorm:"type:text" json:"chat_id"`
	ModelID       string          `gorm:"type:text;not null" json:"model_id"`
	ProviderID    string          `gorm:"type:text;not null" json:"provider_id"`
	InputTokens   int64           `gorm:"not null" json:"input_tokens"`
	OutputTokens  int64           `gorm:"not null" json:"output_tokens"`
	TotalTokens   int64           `gorm:"not null" json:"total_tokens"`
	TotalCost     decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"total_cost"`
	RequestID     string          `gorm:"type:text;not null;uniqueIndex:ux_usage_records_request_id" json:"request_id"`
	TransactionID *snowflake.ID   `gorm:"index" json:"transaction_id,omitempty"`
	Status        RecordStatus    `gorm:"type:text;not null;default:completed;index" json:"status"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
