package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOrchestrator struct {
	calls []syncdomain.Options
	err   error
}

func (f *fakeOrchestrator) Sync(_ context.Context, opts syncdomain.Options) (*syncdomain.Result, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &syncdomain.Result{State: syncdomain.StateApplied}, nil
}

func (f *fakeOrchestrator) ApplyChange(context.Context, snowflake.ID, string) (*pricingdomain.PricingChange, error) {
	return nil, nil
}

func (f *fakeOrchestrator) DismissChange(context.Context, snowflake.ID, string) error {
	return nil
}

func (f *fakeOrchestrator) ListPending(context.Context) ([]*syncdomain.PendingChange, error) {
	return nil, nil
}

func (f *fakeOrchestrator) Status(context.Context) (*syncdomain.Status, error) {
	return nil, nil
}

func newScheduler(t *testing.T, orch syncdomain.Orchestrator) *Scheduler {
	t.Helper()
	sched, err := New(Params{
		Log:          zap.NewNop(),
		Clock:        clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Billing:      config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Orchestrator: orch,
	})
	require.NoError(t, err)
	return sched
}

func TestRunOnce_TriggersLiveSync(t *testing.T) {
	orch := &fakeOrchestrator{}
	sched := newScheduler(t, orch)

	require.NoError(t, sched.RunOnce(context.Background()))

	require.Len(t, orch.calls, 1)
	opts := orch.calls[0]
	assert.Equal(t, "scheduler", opts.TriggeredBy)
	assert.False(t, opts.DryRun)
	assert.False(t, opts.Force)
	assert.Empty(t, opts.Providers, "scheduled runs cover all providers")
}

func TestRunOnce_SyncInProgressIsNotAnError(t *testing.T) {
	orch := &fakeOrchestrator{err: syncdomain.ErrSyncInProgress}
	sched := newScheduler(t, orch)

	assert.NoError(t, sched.RunOnce(context.Background()))
}

func TestRunOnce_PropagatesFailures(t *testing.T) {
	boom := errors.New("providers exploded")
	orch := &fakeOrchestrator{err: boom}
	sched := newScheduler(t, orch)

	assert.ErrorIs(t, sched.RunOnce(context.Background()), boom)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStartupJitter_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := startupJitter(6 * time.Hour)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, maxStartupJitter)
	}
	assert.Zero(t, startupJitter(0))
}
