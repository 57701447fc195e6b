package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/auditrail/internal/clock"
)

const keyPrefix = "auditrail:ratelimit:"

// Returns {limited, count, limit, pttl_ms}. The bucket expires with its window
// so a fresh one is created lazily on the next call.
const fixedWindowScript = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local data = redis.call("HMGET", KEYS[1], "count", "limit")
local count = tonumber(data[1])

if count == nil then
  redis.call("HSET", KEYS[1], "count", 1, "limit", limit)
  redis.call("PEXPIRE", KEYS[1], window)
  return {0, 1, limit, window}
end

redis.call("HSET", KEYS[1], "limit", limit)
local ttl = redis.call("PTTL", KEYS[1])
if count >= limit then
  return {1, count, limit, ttl}
end

count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {0, count, limit, ttl}
`

const peekScript = `
local data = redis.call("HMGET", KEYS[1], "count", "limit")
if data[1] == false then
  return {}
end
return {tonumber(data[1]), tonumber(data[2]), redis.call("PTTL", KEYS[1])}
`

// RedisStore shares buckets across API replicas.
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
	script *redis.Script
	peek   *redis.Script
}

func NewRedisStore(client *redis.Client, c clock.Clock) *RedisStore {
	if c == nil {
		c = clock.New()
	}
	return &RedisStore{
		client: client,
		clock:  c,
		script: redis.NewScript(fixedWindowScript),
		peek:   redis.NewScript(peekScript),
	}
}

func (s *RedisStore) Consume(ctx context.Context, identifier string, opts Options) (Result, error) {
	if s == nil || s.client == nil {
		return Result{}, errors.New("rate limiter not configured")
	}
	now := s.clock.Now()
	res, err := s.script.Run(ctx, s.client, []string{keyPrefix + identifier},
		opts.Limit,
		opts.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 4 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	limited := res[0] == 1
	count, limit, ttl := int(res[1]), int(res[2]), res[3]
	remaining := limit - count
	if limited || remaining < 0 {
		remaining = 0
	}
	return Result{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(ttl) * time.Millisecond),
		Limited:   limited,
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, identifier string) (Result, bool, error) {
	if s == nil || s.client == nil {
		return Result{}, false, errors.New("rate limiter not configured")
	}
	now := s.clock.Now()
	res, err := s.peek.Run(ctx, s.client, []string{keyPrefix + identifier}).Int64Slice()
	if err != nil {
		return Result{}, false, err
	}
	if len(res) < 3 || res[2] <= 0 {
		return Result{}, false, nil
	}
	count, limit := int(res[0]), int(res[1])
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(res[2]) * time.Millisecond),
		Limited:   count >= limit,
	}, true, nil
}
