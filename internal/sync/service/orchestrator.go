package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/alerting"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/events"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	pricingcache "github.com/meterline/meterline/internal/pricing/cache"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providers "github.com/meterline/meterline/internal/providers/pricing"
	"github.com/meterline/meterline/internal/ratelimit"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const applyLockTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Pricing    pricingdomain.Service
	Cache      *pricingcache.Cache
	Registry   *providers.Registry
	Aggregator *Aggregator
	Detector   *Detector
	Locker     *ratelimit.Locker   `optional:"true"`
	Notifier   alerting.Notifier   `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Orchestrator struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	pricing    pricingdomain.Service
	cache      *pricingcache.Cache
	registry   *providers.Registry
	aggregator *Aggregator
	detector   *Detector
	locker     *ratelimit.Locker
	notifier   alerting.Notifier
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics

	mu       sync.Mutex
	state    syncdomain.State
	applying bool
	lastRun  *syncdomain.Result
}

func NewOrchestrator(p Params) syncdomain.Orchestrator {
	return &Orchestrator{
		db:         p.DB,
		log:        p.Log.Named("sync.orchestrator"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		pricing:    p.Pricing,
		cache:      p.Cache,
		registry:   p.Registry,
		aggregator: p.Aggregator,
		detector:   p.Detector,
		locker:     p.Locker,
		notifier:   p.Notifier,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
		state:      syncdomain.StateIdle,
	}
}

// Sync runs one fetch→detect→apply cycle. Dry runs read everything and write
// nothing; they may overlap each other and a live run. At most one non-dry
// run applies at a time, across instances when redis is configured.
func (o *Orchestrator) Sync(ctx context.Context, opts syncdomain.Options) (*syncdomain.Result, error) {
	var release func()
	if !opts.DryRun {
		var err error
		release, err = o.acquireApply(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	list, err := o.registry.Select(opts.Providers)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, syncdomain.ErrNoProviders
	}

	cfg := o.billing.Get()
	result := &syncdomain.Result{
		RunID:       o.genID.Generate(),
		DryRun:      opts.DryRun,
		TriggeredBy: opts.TriggeredBy,
		StartedAt:   o.clock.Now(),
	}

	o.setState(syncdomain.StateFetching, opts.DryRun)
	aggregate := o.aggregator.FetchAll(ctx, list, cfg.ProviderTimeout())
	result.PerProvider = aggregate.PerProvider

	succeeded := 0
	for name, pr := range aggregate.PerProvider {
		if o.obsMetrics != nil && !pr.Skipped {
			o.obsMetrics.RecordProviderFetch(ctx, name, pr.Succeeded)
		}
		if pr.Succeeded {
			succeeded++
		} else if pr.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", name, pr.Error))
		}
	}
	if succeeded == 0 {
		result.State = syncdomain.StateFailed
		result.FinishedAt = o.clock.Now()
		o.finishRun(ctx, result)
		return result, nil
	}

	o.setState(syncdomain.StateDetecting, opts.DryRun)
	current, err := o.pricing.List(ctx)
	if err != nil {
		result.State = syncdomain.StateFailed
		result.Errors = append(result.Errors, err.Error())
		result.FinishedAt = o.clock.Now()
		o.finishRun(ctx, result)
		return result, err
	}

	threshold := decimal.NewFromFloat(cfg.Sync.AutoApplyThresholdPct)
	if opts.AutoApplyThresholdPct > 0 {
		threshold = decimal.NewFromFloat(opts.AutoApplyThresholdPct)
	}
	result.ChangeSet = o.detector.DetectChanges(aggregate.Quotes, current, threshold, cfg.Sync.AutoCreateNew)

	if opts.DryRun {
		result.State = syncdomain.StateDryRunDone
		result.FinishedAt = o.clock.Now()
		o.finishRun(ctx, result)
		return result, nil
	}

	o.setState(syncdomain.StateApplying, false)
	o.applyChangeSet(ctx, opts, result)

	result.State = syncdomain.StateApplied
	result.FinishedAt = o.clock.Now()
	o.finishRun(ctx, result)

	if o.notifier != nil && result.Applied > 0 {
		if err := o.notifier.NotifySyncResult(ctx, result); err != nil {
			o.log.Warn("sync notification failed", zap.Error(err))
		}
	}
	return result, nil
}

func (o *Orchestrator) applyChangeSet(ctx context.Context, opts syncdomain.Options, result *syncdomain.Result) {
	for _, change := range result.ChangeSet.Changes {
		if change.Kind == syncdomain.ChangeKindUnchanged {
			continue
		}

		auto := change.AutoApplicable
		if opts.Force && change.Kind != syncdomain.ChangeKindRemoved {
			auto = true
		}
		if !auto {
			if err := o.upsertPendingChange(ctx, change); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("queue %s/%s: %v", change.ProviderID, change.ModelID, err))
				continue
			}
			result.PendingReview++
			continue
		}

		if err := o.applyOne(ctx, change, opts.TriggeredBy); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("apply %s/%s: %v", change.ProviderID, change.ModelID, err))
			continue
		}
		result.Applied++
		o.cache.Invalidate(change.ModelID, change.ProviderID)
		if o.obsMetrics != nil {
			o.obsMetrics.RecordPricingChange(ctx, change.ProviderID, string(change.Kind))
		}
	}
}

func (o *Orchestrator) applyOne(ctx context.Context, change syncdomain.Change, triggeredBy string) error {
	if change.NewInputPrice == nil || change.NewOutputPrice == nil {
		return pricingdomain.ErrInvalidPrice
	}
	changedBy := triggeredBy
	if changedBy == "" {
		changedBy = "sync"
	}
	_, err := o.pricing.Apply(ctx, pricingdomain.ApplyPricingRequest{
		ModelID:      change.ModelID,
		ProviderID:   change.ProviderID,
		InputPrice:   *change.NewInputPrice,
		OutputPrice:  *change.NewOutputPrice,
		Source:       pricingdomain.PricingSourceProvider,
		ChangedBy:    changedBy,
		ChangeReason: string(change.Kind),
	})
	return err
}

// upsertPendingChange keeps one live review row per pair: repeated sightings
// refresh the prices and LastSeenAt but preserve FirstSeenAt.
func (o *Orchestrator) upsertPendingChange(ctx context.Context, change syncdomain.Change) error {
	now := o.clock.Now()
	row := syncdomain.PendingChange{
		ID:                  o.genID.Generate(),
		ModelID:             change.ModelID,
		ProviderID:          change.ProviderID,
		Kind:                change.Kind,
		OldInputPrice:       change.OldInputPrice,
		OldOutputPrice:      change.OldOutputPrice,
		NewInputPrice:       change.NewInputPrice,
		NewOutputPrice:      change.NewOutputPrice,
		ChangePercentInput:  change.ChangePercentInput,
		ChangePercentOutput: change.ChangePercentOutput,
		Source:              change.Source,
		Status:              syncdomain.PendingStatusPending,
		FirstSeenAt:         now,
		LastSeenAt:          now,
	}
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "old_input_price", "old_output_price", "new_input_price",
			"new_output_price", "change_percent_input", "change_percent_output",
			"source", "status", "last_seen_at",
		}),
	}).Create(&row).Error
}

// ApplyChange approves one queued change, applies it immediately, and returns
// the audit row the apply produced. The row is nil when a removal targeted a
// price that was already gone.
func (o *Orchestrator) ApplyChange(ctx context.Context, changeID snowflake.ID, approvedBy string) (*pricingdomain.PricingChange, error) {
	pending, err := o.loadPending(ctx, changeID)
	if err != nil {
		return nil, err
	}

	var change *pricingdomain.PricingChange
	switch pending.Kind {
	case syncdomain.ChangeKindRemoved:
		change, err = o.pricing.Remove(ctx, pricingdomain.RemovePricingRequest{
			ModelID:      pending.ModelID,
			ProviderID:   pending.ProviderID,
			ChangedBy:    approvedBy,
			ChangeReason: "removed upstream, approved",
		})
		if err != nil && !errors.Is(err, pricingdomain.ErrPricingMissing) {
			return nil, err
		}
	default:
		if pending.NewInputPrice == nil || pending.NewOutputPrice == nil {
			return nil, pricingdomain.ErrInvalidPrice
		}
		change, err = o.pricing.Apply(ctx, pricingdomain.ApplyPricingRequest{
			ModelID:      pending.ModelID,
			ProviderID:   pending.ProviderID,
			InputPrice:   *pending.NewInputPrice,
			OutputPrice:  *pending.NewOutputPrice,
			Source:       pricingdomain.PricingSourceProvider,
			ChangedBy:    approvedBy,
			ChangeReason: "approved " + string(pending.Kind),
		})
		if err != nil {
			return nil, err
		}
	}

	o.cache.Invalidate(pending.ModelID, pending.ProviderID)
	if err := o.resolvePending(ctx, pending.ID, syncdomain.PendingStatusApproved, approvedBy); err != nil {
		return nil, err
	}
	return change, nil
}

// DismissChange closes a queued change without touching pricing.
func (o *Orchestrator) DismissChange(ctx context.Context, changeID snowflake.ID, dismissedBy string) error {
	pending, err := o.loadPending(ctx, changeID)
	if err != nil {
		return err
	}
	return o.resolvePending(ctx, pending.ID, syncdomain.PendingStatusDismissed, dismissedBy)
}

func (o *Orchestrator) ListPending(ctx context.Context) ([]*syncdomain.PendingChange, error) {
	var rows []*syncdomain.PendingChange
	err := o.db.WithContext(ctx).
		Where("status = ?", syncdomain.PendingStatusPending).
		Order("first_seen_at ASC").
		Find(&rows).Error
	return rows, err
}

// Status reports engine state plus a 0-100 health score. Points come off for
// failing providers, aged review items, and stale stored prices.
func (o *Orchestrator) Status(ctx context.Context) (*syncdomain.Status, error) {
	o.mu.Lock()
	state := o.state
	lastRun := o.lastRun
	o.mu.Unlock()

	var pendingCount int64
	if err := o.db.WithContext(ctx).Model(&syncdomain.PendingChange{}).
		Where("status = ?", syncdomain.PendingStatusPending).
		Count(&pendingCount).Error; err != nil {
		return nil, err
	}

	cfg := o.billing.Get()
	now := o.clock.Now()
	score := 100

	health := make(map[string]providers.Health)
	for _, provider := range o.registry.All() {
		h := provider.Health()
		health[provider.Name()] = h
		if h.FailureCount > 0 {
			score -= 20
		}
	}

	stalePending, err := o.countStalePending(ctx, now.Add(-time.Duration(cfg.Sync.ReviewStaleHours)*time.Hour))
	if err != nil {
		return nil, err
	}
	score -= capPenalty(int(stalePending)*5, 20)

	staleModels, err := o.countStaleModels(ctx, now.AddDate(0, 0, -cfg.Sync.StaleModelDays))
	if err != nil {
		return nil, err
	}
	score -= capPenalty(int(staleModels)*2, 20)

	if score < 0 {
		score = 0
	}

	status := &syncdomain.Status{
		State:          state,
		LastRun:        lastRun,
		PendingReview:  pendingCount,
		ProviderHealth: health,
		HealthScore:    score,
	}
	switch {
	case score >= 80:
		status.Health = syncdomain.HealthHealthy
	case score >= 50:
		status.Health = syncdomain.HealthDegraded
	default:
		status.Health = syncdomain.HealthCritical
	}
	return status, nil
}

func (o *Orchestrator) countStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&syncdomain.PendingChange{}).
		Where("status = ? AND first_seen_at < ?", syncdomain.PendingStatusPending, cutoff).
		Count(&count).Error
	return count, err
}

func (o *Orchestrator) countStaleModels(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&pricingdomain.ModelPricing{}).
		Where("updated_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (o *Orchestrator) loadPending(ctx context.Context, changeID snowflake.ID) (*syncdomain.PendingChange, error) {
	var pending syncdomain.PendingChange
	err := o.db.WithContext(ctx).First(&pending, "id = ?", changeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, syncdomain.ErrChangeNotFound
		}
		return nil, err
	}
	if pending.Status != syncdomain.PendingStatusPending {
		return nil, syncdomain.ErrChangeResolved
	}
	return &pending, nil
}

func (o *Orchestrator) resolvePending(ctx context.Context, id snowflake.ID, status syncdomain.PendingStatus, by string) error {
	return o.db.WithContext(ctx).Model(&syncdomain.PendingChange{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"resolved_by":  by,
			"last_seen_at": o.clock.Now(),
		}).Error
}

// acquireApply takes the in-process slot and, when redis is configured, the
// cross-instance lock. Either being held means a live run is in flight.
func (o *Orchestrator) acquireApply(ctx context.Context) (func(), error) {
	o.mu.Lock()
	if o.applying {
		o.mu.Unlock()
		return nil, syncdomain.ErrSyncInProgress
	}
	o.applying = true
	o.mu.Unlock()

	releaseLocal := func() {
		o.mu.Lock()
		o.applying = false
		o.state = syncdomain.StateIdle
		o.mu.Unlock()
	}

	if o.locker == nil {
		return releaseLocal, nil
	}

	token, acquired, err := o.locker.TryLock(ctx, ratelimit.SyncApplyLockKey, applyLockTTL)
	if err != nil {
		o.log.Warn("sync lock unavailable, proceeding with local exclusion", zap.Error(err))
		return releaseLocal, nil
	}
	if !acquired {
		releaseLocal()
		return nil, syncdomain.ErrSyncInProgress
	}

	return func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), ratelimit.SyncApplyLockKey, token); err != nil {
			o.log.Warn("sync lock release failed", zap.Error(err))
		}
		releaseLocal()
	}, nil
}

func (o *Orchestrator) setState(state syncdomain.State, dryRun bool) {
	if dryRun {
		return
	}
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

func (o *Orchestrator) finishRun(ctx context.Context, result *syncdomain.Result) {
	o.mu.Lock()
	o.lastRun = result
	if !result.DryRun {
		o.state = syncdomain.StateIdle
	}
	o.mu.Unlock()

	if o.obsMetrics != nil {
		o.obsMetrics.RecordSyncRun(ctx, string(result.State), result.DryRun)
	}
	if o.outbox != nil && !result.DryRun && result.Applied > 0 {
		if err := o.outbox.Publish(ctx, events.Event{
			Type: events.EventPricingSyncCompleted,
			Payload: map[string]any{
				"run_id":         result.RunID.String(),
				"applied":        result.Applied,
				"pending_review": result.PendingReview,
				"triggered_by":   result.TriggeredBy,
			},
			DedupeKey: "pricing_sync:" + result.RunID.String(),
		}); err != nil {
			o.log.Warn("publishing sync event failed", zap.Error(err))
		}
	}

	o.log.Info("sync run finished",
		zap.String("run_id", result.RunID.String()),
		zap.String("state", string(result.State)),
		zap.Bool("dry_run", result.DryRun),
		zap.Int("applied", result.Applied),
		zap.Int("pending_review", result.PendingReview),
		zap.Int("errors", len(result.Errors)),
	)
}

func capPenalty(penalty, cap int) int {
	if penalty > cap {
		return cap
	}
	return penalty
}
