package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (s *recordingSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("downstream unavailable")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, "secret", zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	for i := 1; i <= 3; i++ {
		d.Notify(Notification{CompanyID: 1, WorkspaceID: 2, EventID: snowflake.ID(100 + i)})
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, snowflake.ID(101), sink.got[0].EventID)
	assert.NotEmpty(t, sink.got[0].KeyID)
	assert.Equal(t, int64(3), d.Stats().Delivered)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, 1, "", zap.NewNop(), nil)
	d.Notify(Notification{EventID: 1})
	d.Notify(Notification{EventID: 2})

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestDispatcherCountsFailures(t *testing.T) {
	sink := &recordingSink{fail: true}
	d := NewDispatcher(sink, 4, "", zap.NewNop(), nil)
	d.Notify(Notification{EventID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestKeyIDIsStablePerCompany(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, 1, "secret", zap.NewNop(), nil)
	a := d.keyID(1)
	assert.Equal(t, a, d.keyID(1))
	assert.NotEqual(t, a, d.keyID(2))

	other := NewDispatcher(&recordingSink{}, 1, "other", zap.NewNop(), nil)
	assert.NotEqual(t, a, other.keyID(1))
}
