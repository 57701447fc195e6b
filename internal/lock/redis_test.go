package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisLockerExclusive(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { _ = client.Close() })

	first, err := NewRedisLocker(client, time.Second, 5*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	second, err := NewRedisLocker(client, time.Second, 5*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	key := fmt.Sprintf("test:%d", time.Now().UnixNano())
	unlock, err := first.Lock(context.Background(), key)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err = second.Lock(waitCtx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := second.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}
