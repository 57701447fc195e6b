package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/auditrail/internal/clock"
)

type bucket struct {
	count   int
	limit   int
	resetAt time.Time
}

// MemoryStore keeps buckets in process. Expired buckets are replaced lazily
// on the next consume; there is no background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{clock: c, buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Consume(_ context.Context, identifier string, opts Options) (Result, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[identifier]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 1, limit: opts.Limit, resetAt: now.Add(opts.Window)}
		s.buckets[identifier] = b
		return b.result(false), nil
	}

	b.limit = opts.Limit
	if b.count >= opts.Limit {
		return b.result(true), nil
	}
	b.count++
	return b.result(false), nil
}

func (s *MemoryStore) Peek(_ context.Context, identifier string) (Result, bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[identifier]
	if !ok || !now.Before(b.resetAt) {
		return Result{}, false, nil
	}
	return b.result(b.count >= b.limit), true, nil
}

func (b *bucket) result(limited bool) Result {
	remaining := b.limit - b.count
	if remaining < 0 || limited {
		remaining = 0
	}
	return Result{
		Limit:     b.limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
		Limited:   limited,
	}
}
