package sync

import (
	"github.com/meterline/meterline/internal/sync/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sync",
	fx.Provide(service.NewAggregator),
	fx.Provide(service.NewDetector),
	fx.Provide(service.NewOrchestrator),
)
