package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreFixedWindow(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, nil)
	ctx := context.Background()
	id := fmt.Sprintf("test:%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), keyPrefix+id) })

	opts := Options{Limit: 3, Window: 300 * time.Millisecond}
	var limited []bool
	for i := 0; i < 4; i++ {
		res, err := store.Consume(ctx, id, opts)
		require.NoError(t, err)
		limited = append(limited, res.Limited)
	}
	assert.Equal(t, []bool{false, false, false, true}, limited)

	peek, ok, err := store.Peek(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, peek.Limited)

	time.Sleep(350 * time.Millisecond)
	res, err := store.Consume(ctx, id, opts)
	require.NoError(t, err)
	assert.False(t, res.Limited)
	assert.Equal(t, 2, res.Remaining)
}
