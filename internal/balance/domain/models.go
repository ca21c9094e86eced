// Package domain contains persistence models for the balance ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// IsCredit reports whether the type increases the balance.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeRefund
}

// UserBalance is the current-balance projection, one row per user.
// It is never mutated except through a Transaction; Version guards the
// optimistic compare-and-swap on every write.
type UserBalance struct {
	UserID            snowflake.ID    `gorm:"primaryKey" json:"user_id"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"balance"`
	Currency          string          `gorm:"type:text;not null;default:USD" json:"currency"`
	PreferredCurrency string          `gorm:"type:text" json:"preferred_currency"`
	Locale            string          `gorm:"type:text" json:"locale"`
	Version           int64           `gorm:"not null;default:0" json:"-"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UserBalance) TableName() string { return "user_balances" }

// Transaction is an immutable, append-only ledger entry.
// BalanceBefore/BalanceAfter snapshot the projection around the mutation so
// the chain reconstructs the balance exactly.
type Transaction struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID        snowflake.ID      `gorm:"not null;index" json:"user_id"`
	Type          TransactionType   `gorm:"type:text;not null;index" json:"type"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,6);not null" json:"amount"`
	Currency      string            `gorm:"type:text;not null" json:"currency"`
	BalanceBefore decimal.Decimal   `gorm:"type:decimal(20,6);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal   `gorm:"type:decimal(20,6);not null" json:"balance_after"`
	Description   string            `gorm:"type:text" json:"description"`
	ExternalRef   *string           `gorm:"type:text;uniqueIndex:ux_transactions_external_ref" json:"external_ref,omitempty"`
	RequestID     *string           `gorm:"type:text;uniqueIndex:ux_transactions_request_id" json:"request_id,omitempty"`
	RefundOfID    *snowflake.ID     `gorm:"index" json:"refund_of_id,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }
