package migration

import (
	"fmt"

	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, topology *config.TopologyHolder, log *zap.Logger) error {
		log = log.Named("migration")
		if err := Run(conn, Global); err != nil {
			return err
		}
		log.Info("global schema ready")

		for _, spec := range topology.Get().Regions {
			if err := migrateRegion(spec); err != nil {
				return err
			}
			log.Info("regional schema ready", zap.String("region", spec.Name))
		}
		return nil
	}),
)

func migrateRegion(spec config.RegionSpec) error {
	conn, err := db.Open(spec.Database, db.Options{Label: spec.Name})
	if err != nil {
		return fmt.Errorf("open region %s: %w", spec.Name, err)
	}
	defer func() { _ = db.Close(conn) }()
	return Run(conn, Regional)
}
