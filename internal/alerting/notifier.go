// Package alerting pushes operational notifications to the billing ops
// channel.
package alerting

import (
	"context"

	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
)

// Notifier receives the two events operators must see: sync runs that
// changed prices, and charges whose audit record needs reconciliation.
type Notifier interface {
	NotifySyncResult(ctx context.Context, result *syncdomain.Result) error
	NotifyReconciliationPending(ctx context.Context, record *usagedomain.UsageRecord) error
}

// NoopNotifier drops everything, used when no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifySyncResult(context.Context, *syncdomain.Result) error { return nil }

func (NoopNotifier) NotifyReconciliationPending(context.Context, *usagedomain.UsageRecord) error {
	return nil
}
