package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/ratelimit"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	runTimeout       = 10 * time.Minute
	scheduleLockTTL  = runTimeout + time.Minute
	maxStartupJitter = 2 * time.Minute
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Billing      *config.BillingConfigHolder
	Orchestrator syncdomain.Orchestrator
	Locker       *ratelimit.Locker `optional:"true"`
}

// Scheduler triggers periodic pricing syncs. It is a thin trigger: all
// run semantics (exclusion, gating, health) live in the orchestrator.
type Scheduler struct {
	log          *zap.Logger
	clock        clock.Clock
	billing      *config.BillingConfigHolder
	orchestrator syncdomain.Orchestrator
	locker       *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Billing == nil || p.Orchestrator == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler"),
		clock:        p.Clock,
		billing:      p.Billing,
		orchestrator: p.Orchestrator,
		locker:       p.Locker,
	}, nil
}

// RunOnce triggers a single live sync. Losing the schedule lock or hitting
// an already-running sync is a normal outcome, not an error.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		// The schedule lock only fences the periodic trigger so replicas do
		// not fetch every provider in lockstep; the apply phase carries its
		// own lock.
		token, ok, err := s.locker.TryLock(parent, ratelimit.SyncScheduleLockKey, scheduleLockTTL)
		if err != nil {
			// A flaky lock store must not stop billing syncs on a
			// single-instance deployment.
			s.log.Warn("schedule lock unavailable, proceeding locally", zap.Error(err))
		} else if !ok {
			s.log.Debug("another instance holds the sync schedule")
			return nil
		} else {
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
				defer cancel()
				if err := s.locker.Release(releaseCtx, ratelimit.SyncScheduleLockKey, token); err != nil {
					s.log.Warn("failed to release schedule lock", zap.Error(err))
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()

	start := s.clock.Now()
	result, err := s.orchestrator.Sync(ctx, syncdomain.Options{
		TriggeredBy: "scheduler",
	})
	if err != nil {
		if errors.Is(err, syncdomain.ErrSyncInProgress) {
			s.log.Info("sync already in progress, skipping scheduled run")
			return nil
		}
		return err
	}

	s.log.Info("scheduled pricing sync finished",
		zap.String("state", string(result.State)),
		zap.Int("applied", result.Applied),
		zap.Int("pending_review", result.PendingReview),
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
	return nil
}

// RunForever runs syncs on the configured interval until ctx is canceled.
// The first run is delayed by a random jitter so restarted replicas do not
// hammer the pricing providers at the same instant.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.billing.Get().SyncInterval()

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupJitter(interval)):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduled pricing sync failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func startupJitter(interval time.Duration) time.Duration {
	max := interval / 10
	if max > maxStartupJitter {
		max = maxStartupJitter
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
