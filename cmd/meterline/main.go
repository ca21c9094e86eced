package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/alerting"
	"github.com/meterline/meterline/internal/balance"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/events"
	"github.com/meterline/meterline/internal/migration"
	"github.com/meterline/meterline/internal/observability"
	"github.com/meterline/meterline/internal/pricing"
	providerspricing "github.com/meterline/meterline/internal/providers/pricing"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/scheduler"
	"github.com/meterline/meterline/internal/server"
	syncmodule "github.com/meterline/meterline/internal/sync"
	"github.com/meterline/meterline/internal/usage"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/redis"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		redis.Module,
		clock.Module,
		events.Module,
		ratelimit.Module,
		migration.Module,

		// Billing domains
		balance.Module,
		pricing.Module,
		providerspricing.Module,
		usage.Module,
		syncmodule.Module,
		alerting.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
