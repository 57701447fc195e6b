package db

import (
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"
)

// Options tunes Open for a specific connection.
type Options struct {
	// Label names the connection in traces and pool metrics ("global", a region name).
	Label   string
	Logger  logger.Interface
	Tracing bool
	Metrics bool
}

// Open connects, applies pool limits and registers the tracing and pool
// metrics plugins.
func Open(cfg Config, opts Options) (*gorm.DB, error) {
	cfg = cfg.withDefaults()
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{TranslateError: true}
	if opts.Logger != nil {
		gormCfg.Logger = opts.Logger
	}

	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Label, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	if d := cfg.connMaxLifetime(); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d := cfg.connMaxIdleTime(); d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}

	if opts.Tracing {
		if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(opts.Label))); err != nil {
			return nil, fmt.Errorf("register tracing plugin: %w", err)
		}
	}
	if opts.Metrics {
		if err := conn.Use(gormprom.New(gormprom.Config{
			DBName:          opts.Label,
			RefreshInterval: 15,
			StartServer:     false,
			Labels:          map[string]string{"database": opts.Label},
		})); err != nil {
			zap.L().Warn("db pool metrics disabled", zap.String("database", opts.Label), zap.Error(err))
		}
	}

	return conn, nil
}

// Close releases the underlying sql.DB.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
