package ratelimit

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func NewFromConfig(p Params) (*Limiter, error) {
	cfg := p.Config.RateLimit
	defaults := Options{Limit: cfg.Limit, Window: cfg.Window}
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}

	var store Store
	switch cfg.Backend {
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("rate limit backend redis requires REDIS_ADDR")
		}
		store = NewRedisStore(p.Redis, p.Clock)
	default:
		store = NewMemoryStore(p.Clock)
	}

	p.Log.Named("rate.limit").Info("rate limiter configured",
		zap.String("backend", cfg.Backend),
		zap.Int("limit", cfg.Limit),
		zap.Duration("window", cfg.Window),
	)
	return NewLimiter(store, defaults), nil
}
