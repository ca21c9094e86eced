package migration

import (
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/events"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Local sqlite/mysql setups get the schema straight from the
			// models; versioned SQL is written for postgres.
			return conn.AutoMigrate(
				&balancedomain.UserBalance{},
				&balancedomain.Transaction{},
				&usagedomain.UsageRecord{},
				&pricingdomain.ModelPricing{},
				&pricingdomain.PricingChange{},
				&syncdomain.PendingChange{},
				&events.BillingEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
