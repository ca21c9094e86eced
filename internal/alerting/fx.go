package alerting

import (
	"github.com/meterline/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("alerting",
	fx.Provide(func(cfg config.Config, log *zap.Logger) Notifier {
		if cfg.SlackWebhookURL == "" {
			log.Info("no slack webhook configured, alerting disabled")
			return NoopNotifier{}
		}
		return NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, log)
	}),
)
