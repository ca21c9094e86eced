package usage

import (
	"github.com/meterline/meterline/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(service.NewService),
)
