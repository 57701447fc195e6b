package region

import (
	"context"

	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("region",
	fx.Provide(regionstore.NewOpener),
	fx.Provide(newDirectory),
	fx.Provide(newPool),
)

func newDirectory(tenants tenantdomain.Service, topology *config.TopologyHolder, log *zap.Logger) *Directory {
	return NewDirectory(tenants, topology, log)
}

func newPool(lc fx.Lifecycle, opener regionstore.Opener, topology *config.TopologyHolder, log *zap.Logger) *Pool {
	pool := NewPool(opener, topology, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pool.CloseAll()
		},
	})
	return pool
}
