package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/archival"
	"github.com/smallbiznis/auditrail/internal/cache"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/lock"
	"github.com/smallbiznis/auditrail/internal/migration"
	"github.com/smallbiznis/auditrail/internal/observability"
	"github.com/smallbiznis/auditrail/internal/region"
	"github.com/smallbiznis/auditrail/internal/tenant"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
)

// Background process: migrations, pending-write replay and archival.
// No server module!
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		lock.Module,

		tenant.Module,
		region.Module,
		globalindex.Module,
		webhook.Module,
		failover.Module,
		archival.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
