package pricing

import (
	"net/http"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pricing_providers",
	fx.Provide(func(cfg config.Config, clk clock.Clock, log *zap.Logger) *Registry {
		client := &http.Client{Timeout: 15 * time.Second}
		return NewRegistry(
			NewOpenAI(clk),
			NewAnthropic(clk),
			NewOpenRouter(cfg.OpenRouterBaseURL, client, clk, log),
			NewStatic(clk),
		)
	}),
)
