package webhook

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogSink writes notifications to the log. It is the default when no
// delivery stream is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("webhook.sink")}
}

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.log.Info("webhook notification",
		zap.String("company_id", n.CompanyID.String()),
		zap.String("workspace_id", n.WorkspaceID.String()),
		zap.String("event_id", n.EventID.String()),
		zap.String("key_id", n.KeyID),
	)
	return nil
}

// RedisStreamSink appends notifications to a Redis stream consumed by the
// delivery worker.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: 100_000}
}

func (s *RedisStreamSink) Deliver(ctx context.Context, n Notification) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"company_id":   n.CompanyID.String(),
			"workspace_id": n.WorkspaceID.String(),
			"event_id":     n.EventID.String(),
			"key_id":       n.KeyID,
			"enqueued_at":  n.EnqueuedAt.UnixMilli(),
		},
	}).Err()
}
