package webhook

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook",
	fx.Provide(NewFromConfig),
	fx.Provide(func(d *Dispatcher) Notifier { return d }),
	fx.Invoke(runDispatcher),
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.FailoverMetrics `optional:"true"`
	Redis   *redis.Client            `optional:"true"`
}

func NewFromConfig(p Params) (*Dispatcher, error) {
	cfg := p.Config.Webhook
	var sink Sink
	switch cfg.Backend {
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("webhook backend redis requires REDIS_ADDR")
		}
		sink = NewRedisStreamSink(p.Redis, cfg.Stream)
	default:
		sink = NewLogSink(p.Log)
	}
	return NewDispatcher(sink, cfg.Buffer, cfg.Secret, p.Log, p.Metrics), nil
}

func runDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				d.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})

			return nil
		},
	})
}
