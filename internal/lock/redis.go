package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker holds a cluster-wide lock per key so several API replicas can
// share a region. A local KeyedMutex is taken first to keep same-process
// contention off Redis.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	local  *KeyedMutex
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl, retry time.Duration, log *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("lock client not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if retry <= 0 {
		retry = 20 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		local:  NewKeyedMutex(),
		prefix: "auditrail:lock:",
		ttl:    ttl,
		retry:  retry,
		log:    log,
	}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := l.prefix + key
	token, err := l.acquire(ctx, redisKey)
	if err != nil {
		unlockLocal()
		return nil, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.release(releaseCtx, redisKey, token); err != nil {
			l.log.Warn("release workspace lock", zap.String("key", key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
