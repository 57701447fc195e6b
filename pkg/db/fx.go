package db

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Params struct {
	fx.In

	Config     Config
	Log        *zap.Logger
	GormLogger logger.Interface `optional:"true"`
}

// Module provides the global *gorm.DB.
var Module = fx.Module("db",
	fx.Provide(NewGlobal),
)

func NewGlobal(lc fx.Lifecycle, p Params) (*gorm.DB, error) {
	conn, err := Open(p.Config, Options{
		Label:   "global",
		Logger:  p.GormLogger,
		Tracing: true,
		Metrics: true,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Log.Info("closing global database")
			return Close(conn)
		},
	})
	return conn, nil
}
