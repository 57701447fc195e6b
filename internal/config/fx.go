package config

import (
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTopologyHolder),
	fx.Provide(func(cfg Config) db.Config { return cfg.Database }),
)
