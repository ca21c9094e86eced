package balance

import (
	"github.com/meterline/meterline/internal/balance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("balance",
	fx.Provide(service.NewService),
)
