package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/apikey"
	"github.com/smallbiznis/auditrail/internal/authorization"
	"github.com/smallbiznis/auditrail/internal/billing"
	"github.com/smallbiznis/auditrail/internal/cache"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/lock"
	"github.com/smallbiznis/auditrail/internal/observability"
	"github.com/smallbiznis/auditrail/internal/query"
	"github.com/smallbiznis/auditrail/internal/ratelimit"
	"github.com/smallbiznis/auditrail/internal/region"
	"github.com/smallbiznis/auditrail/internal/server"
	"github.com/smallbiznis/auditrail/internal/tenant"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
)

// API process. Schema migrations and archival belong to apps/worker; the
// failover module still probes regions so this process routes writes on its
// own view of region health.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		lock.Module,

		tenant.Module,
		apikey.Module,
		authorization.Module,
		billing.Module,
		ratelimit.Module,

		region.Module,
		globalindex.Module,
		webhook.Module,
		failover.Module,

		ingest.Module,
		query.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
