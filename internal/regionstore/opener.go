package regionstore

import (
	"context"
	"time"

	"github.com/smallbiznis/auditrail/internal/config"
	obslogger "github.com/smallbiznis/auditrail/internal/observability/logger"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type OpenerParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	GormLogger *obslogger.GormLogger `optional:"true"`
}

type dbOpener struct {
	log        *zap.Logger
	gormLogger *obslogger.GormLogger
	timeout    time.Duration
}

// NewOpener opens region stores from their topology database settings.
func NewOpener(p OpenerParams) Opener {
	return &dbOpener{
		log:        p.Log.Named("regionstore"),
		gormLogger: p.GormLogger,
		timeout:    p.Config.Failover.StoreCallTimeout,
	}
}

func (o *dbOpener) Open(ctx context.Context, spec config.RegionSpec) (Store, error) {
	opts := db.Options{Label: spec.Name, Tracing: true}
	if o.gormLogger != nil {
		opts.Logger = o.gormLogger.ForDatabase(spec.Name)
	}
	conn, err := db.Open(spec.Database, opts)
	if err != nil {
		return nil, err
	}
	o.log.Info("region store opened", zap.String("region", spec.Name), zap.String("type", spec.Database.Type))
	return NewGormStore(spec.Name, conn, o.timeout), nil
}
