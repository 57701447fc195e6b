package lock

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/auditrail/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("workspace.lock",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func New(p Params) (Locker, error) {
	log := p.Log.Named("lock")
	switch p.Config.Lock.Backend {
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("lock backend redis requires REDIS_ADDR")
		}
		log.Info("workspace lock backend", zap.String("backend", "redis"))
		return NewRedisLocker(p.Redis, p.Config.Lock.TTL, p.Config.Lock.Retry, log)
	default:
		log.Info("workspace lock backend", zap.String("backend", "memory"))
		return NewKeyedMutex(), nil
	}
}
