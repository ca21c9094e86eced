package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type RecordUsageRequest struct {
	UserID       snowflake.ID `json:"user_id"`
	ChatID       string       `json:"chat_id"`
	ModelID      string       `json:"model_id"`
	ProviderID   string       `json:"provider_id"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	TotalTokens  int64        `json:"total_tokens"`
	RequestID    string       `json:"request_id"`
}

// ChargeResult is what the chat pipeline gets back after metering.
type ChargeResult struct {
	Cost          decimal.Decimal `json:"cost"`
	Balance       decimal.Decimal `json:"balance"`
	UsageRecordID snowflake.ID    `json:"usage_record_id"`
	TransactionID *snowflake.ID   `json:"transaction_id,omitempty"`
	Status        RecordStatus    `json:"status"`
	// Duplicate is set when the request id was already metered and the
	// prior outcome is being replayed.
	Duplicate bool `json:"duplicate"`
}

// PreflightResult answers "may this user start a completion".
type PreflightResult struct {
	Allowed    bool            `json:"allowed"`
	Balance    decimal.Decimal `json:"balance"`
	MinBalance decimal.Decimal `json:"min_balance"`
}

type ListUsageRequest struct {
	UserID snowflake.ID
	Status RecordStatus
	pagination.Pagination
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []*UsageRecord `json:"usage_records"`
}

// Service is the usage meter: it prices a completion, charges the ledger,
// and keeps the audit record.
type Service interface {
	// RecordAndCharge validates, prices, debits, then records. The debit
	// commits before the record is written; a failed record write never
	// rolls the charge back.
	RecordAndCharge(ctx context.Context, req RecordUsageRequest) (*ChargeResult, error)
	// Preflight is advisory; the debit itself is the enforcement point.
	Preflight(ctx context.Context, userID snowflake.ID) (*PreflightResult, error)
	ListUsage(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidUsage = errors.New("invalid_usage")
	ErrInvalidUser  = errors.New("invalid_user")
)
