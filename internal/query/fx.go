package query

import (
	"context"

	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/region"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("query",
	fx.Provide(
		func(s tenantdomain.Service) Tenants { return s },
		func(d *region.Directory) RegionResolver { return d },
		func(p *region.Pool) StorePool { return p },
		func(i *globalindex.Index) Index { return i },
		NewService,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				s.Drain()
				return nil
			},
		})
	}),
)
