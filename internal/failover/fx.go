package failover

import (
	"context"

	"github.com/smallbiznis/auditrail/internal/globalindex"
	"go.uber.org/fx"
)

var Module = fx.Module("failover",
	fx.Provide(NewPendingRepository),
	fx.Provide(NewBackfillRepository),
	fx.Provide(func(idx *globalindex.Index) IndexRecorder { return idx }),
	fx.Provide(NewManager),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go m.RunForever(ctx)

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
