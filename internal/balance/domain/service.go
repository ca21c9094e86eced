package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type DepositRequest struct {
	UserID      snowflake.ID    `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExternalRef string          `json:"external_ref"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata"`
}

type DebitRequest struct {
	UserID      snowflake.ID    `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	RequestID   string          `json:"request_id"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata"`
}

type RefundRequest struct {
	TransactionID snowflake.ID    `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"` // zero means full remaining amount
	Reason        string          `json:"reason"`
}

type ListTransactionsRequest struct {
	UserID snowflake.ID
	Type   TransactionType
	pagination.Pagination
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []*Transaction `json:"transactions"`
}

// Service is the balance ledger: append-only transaction log plus the
// current-balance projection it derives.
type Service interface {
	// Deposit credits a confirmed payment. Idempotent on ExternalRef.
	Deposit(ctx context.Context, req DepositRequest) (*Transaction, error)
	// Debit charges the user atomically. Idempotent on RequestID; a retried
	// request returns the originally committed transaction.
	Debit(ctx context.Context, req DebitRequest) (*Transaction, error)
	// Refund credits back part or all of a prior usage transaction.
	Refund(ctx context.Context, req RefundRequest) (*Transaction, error)
	// GetBalance is a point-in-time read; unknown users see a zero balance.
	GetBalance(ctx context.Context, userID snowflake.ID) (*UserBalance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidRequestID      = errors.New("invalid_request_id")
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrTransactionNotFound   = errors.New("transaction_not_found")
	ErrNotRefundable         = errors.New("transaction_not_refundable")
	ErrRefundExceedsOriginal = errors.New("refund_exceeds_original")
	ErrPersistence           = errors.New("persistence_error")
)
