package archival

import (
	"context"

	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/region"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("archival",
	fx.Provide(
		newBlobStore,
		func(s tenantdomain.Service) Tenants { return s },
		func(d *region.Directory) RegionResolver { return d },
		func(p *region.Pool) StorePool { return p },
		NewSweeper,
	),
	fx.Invoke(runSweeper),
)

type blobResult struct {
	fx.Out

	Blobs BlobStore
}

// newBlobStore leaves BlobStore unset while archival is disabled.
func newBlobStore(cfg config.Config) (blobResult, error) {
	if !cfg.Archival.Enabled {
		return blobResult{}, nil
	}
	store, err := NewS3BlobStore(cfg.Archival)
	if err != nil {
		return blobResult{}, err
	}
	return blobResult{Blobs: store}, nil
}

func runSweeper(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Sweeper) {
	if !cfg.Archival.Enabled {
		log.Named("archival").Info("archival disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go s.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
