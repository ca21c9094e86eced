// Package domain contains the pricing sync engine's types.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providers "github.com/meterline/meterline/internal/providers/pricing"
	"github.com/shopspring/decimal"
)

// State is the orchestrator's run state.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateDetecting  State = "detecting"
	StateDryRunDone State = "dry_run_done"
	StateApplying   State = "applying"
	StateApplied    State = "applied"
	StateFailed     State = "failed"
)

// ChangeKind classifies a detected difference between fetched quotes and the
// stored pricing table.
type ChangeKind string

const (
	ChangeKindNew       ChangeKind = "new"
	ChangeKindUpdated   ChangeKind = "updated"
	ChangeKindRemoved   ChangeKind = "removed"
	ChangeKindUnchanged ChangeKind = "unchanged"
)

// Options control one sync run.
type Options struct {
	DryRun bool `json:"dry_run"`
	// Force skips the auto-apply gate and applies every detected change.
	Force bool `json:"force"`
	// AutoApplyThresholdPct overrides the configured gate when > 0.
	AutoApplyThresholdPct float64 `json:"auto_apply_threshold_pct"`
	// Providers restricts the run to named adapters; empty means all.
	Providers   []string       `json:"providers"`
	TriggeredBy string         `json:"triggered_by"`
	Metadata    map[string]any `json:"metadata"`
}

// Change is one detected difference for a (model, provider) pair.
type Change struct {
	Kind                ChangeKind       `json:"kind"`
	ModelID             string           `json:"model_id"`
	ProviderID          string           `json:"provider_id"`
	OldInputPrice       *decimal.Decimal `json:"old_input_price,omitempty"`
	OldOutputPrice      *decimal.Decimal `json:"old_output_price,omitempty"`
	NewInputPrice       *decimal.Decimal `json:"new_input_price,omitempty"`
	NewOutputPrice      *decimal.Decimal `json:"new_output_price,omitempty"`
	ChangePercentInput  *decimal.Decimal `json:"change_percent_input,omitempty"`
	ChangePercentOutput *decimal.Decimal `json:"change_percent_output,omitempty"`
	// AutoApplicable is set when every price delta sits within the gate;
	// removed pairs are never auto-applicable.
	AutoApplicable bool   `json:"auto_applicable"`
	Source         string `json:"source"`
}

// ChangeSet is the detector's output for one run.
type ChangeSet struct {
	Changes        []Change `json:"changes"`
	New            int      `json:"new"`
	Updated        int      `json:"updated"`
	Removed        int      `json:"removed"`
	Unchanged      int      `json:"unchanged"`
	AutoApplicable int      `json:"auto_applicable"`
	RequiresReview int      `json:"requires_review"`
}

// ProviderResult is one adapter's outcome within an aggregate fetch.
type ProviderResult struct {
	Provider   string              `json:"provider"`
	Succeeded  bool                `json:"succeeded"`
	Skipped    bool                `json:"skipped"`
	Error      string              `json:"error,omitempty"`
	QuoteCount int                 `json:"quote_count"`
	Invalid    int                 `json:"invalid"`
	Freshness  providers.Freshness `json:"freshness"`
	Duration   time.Duration       `json:"duration"`
}

// AggregateResult is the fan-out fetch outcome: deduplicated quotes plus
// per-provider accounting. Partial failure keeps the successful sides.
type AggregateResult struct {
	Quotes      []providers.Quote         `json:"quotes"`
	PerProvider map[string]ProviderResult `json:"per_provider"`
}

// Result is one sync run's outcome.
type Result struct {
	RunID         snowflake.ID              `json:"run_id"`
	State         State                     `json:"state"`
	DryRun        bool                      `json:"dry_run"`
	TriggeredBy   string                    `json:"triggered_by"`
	StartedAt     time.Time                 `json:"started_at"`
	FinishedAt    time.Time                 `json:"finished_at"`
	PerProvider   map[string]ProviderResult `json:"per_provider"`
	ChangeSet     *ChangeSet                `json:"change_set,omitempty"`
	Applied       int                       `json:"applied"`
	PendingReview int                       `json:"pending_review"`
	Errors        []string                  `json:"errors,omitempty"`
}

// PendingChange is the durable review queue row behind manual approval.
type PendingChange struct {
	ID                  snowflake.ID     `gorm:"primaryKey" json:"id"`
	ModelID             string           `gorm:"type:text;not null;uniqueIndex:ux_pending_changes_pair" json:"model_id"`
	ProviderID          string           `gorm:"type:text;not null;uniqueIndex:ux_pending_changes_pair" json:"provider_id"`
	Kind                ChangeKind       `gorm:"type:text;not null" json:"kind"`
	OldInputPrice       *decimal.Decimal `gorm:"type:decimal(20,6)" json:"old_input_price,omitempty"`
	OldOutputPrice      *decimal.Decimal `gorm:"type:decimal(20,6)" json:"old_output_price,omitempty"`
	NewInputPrice       *decimal.Decimal `gorm:"type:decimal(20,6)" json:"new_input_price,omitempty"`
	NewOutputPrice      *decimal.Decimal `gorm:"type:decimal(20,6)" json:"new_output_price,omitempty"`
	ChangePercentInput  *decimal.Decimal `gorm:"type:decimal(20,6)" json:"change_percent_input,omitempty"`
	ChangePercentOutput *decimal.Decimal `gorm:"type:decimal(20,6)" json:"change_percent_output,omitempty"`
	Source              string           `gorm:"type:text" json:"source"`
	Status              PendingStatus    `gorm:"type:text;not null;default:pending;index" json:"status"`
	ResolvedBy          string           `gorm:"type:text" json:"resolved_by,omitempty"`
	FirstSeenAt         time.Time        `gorm:"not null" json:"first_seen_at"`
	LastSeenAt          time.Time        `gorm:"not null" json:"last_seen_at"`
}

// TableName sets the database table name.
func (PendingChange) TableName() string { return "pending_changes" }

type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusApproved  PendingStatus = "approved"
	PendingStatusDismissed PendingStatus = "dismissed"
)

// HealthStatus buckets the health score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Status is the admin-facing engine snapshot.
type Status struct {
	State          State                       `json:"state"`
	LastRun        *Result                     `json:"last_run,omitempty"`
	PendingReview  int64                       `json:"pending_review"`
	ProviderHealth map[string]providers.Health `json:"provider_health"`
	HealthScore    int                         `json:"health_score"`
	Health         HealthStatus                `json:"health"`
}

// Orchestrator drives sync runs and review decisions.
type Orchestrator interface {
	Sync(ctx context.Context, opts Options) (*Result, error)
	ApplyChange(ctx context.Context, changeID snowflake.ID, approvedBy string) (*pricingdomain.PricingChange, error)
	DismissChange(ctx context.Context, changeID snowflake.ID, dismissedBy string) error
	ListPending(ctx context.Context) ([]*PendingChange, error)
	Status(ctx context.Context) (*Status, error)
}

var (
	ErrSyncInProgress = errors.New("sync_in_progress")
	ErrChangeNotFound = errors.New("pending_change_not_found")
	ErrChangeResolved = errors.New("pending_change_already_resolved")
	ErrNoProviders    = errors.New("no_providers_available")
)
