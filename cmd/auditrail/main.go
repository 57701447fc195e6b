package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/apikey"
	"github.com/smallbiznis/auditrail/internal/archival"
	"github.com/smallbiznis/auditrail/internal/authorization"
	"github.com/smallbiznis/auditrail/internal/billing"
	"github.com/smallbiznis/auditrail/internal/cache"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/lock"
	"github.com/smallbiznis/auditrail/internal/migration"
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

// Single-process deployment: HTTP API, failover worker and archival sweeper.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		lock.Module,

		// Tenancy and admission
		tenant.Module,
		apikey.Module,
		authorization.Module,
		billing.Module,
		ratelimit.Module,

		// Storage and replication
		region.Module,
		globalindex.Module,
		webhook.Module,
		failover.Module,
		archival.Module,

		// Request paths
		ingest.Module,
		query.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
