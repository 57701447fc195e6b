package ingest

import (
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/region"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(
		func(s tenantdomain.Service) WorkspaceLookup { return s },
		func(d *region.Directory) RegionResolver { return d },
		func(m *failover.Manager) Writer { return m },
		NewService,
	),
)
