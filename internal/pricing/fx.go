package pricing

import (
	"github.com/meterline/meterline/internal/pricing/cache"
	"github.com/meterline/meterline/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing",
	fx.Provide(service.NewService),
	fx.Provide(cache.New),
)
