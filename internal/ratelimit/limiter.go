package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidIdentifier = errors.New("invalid_rate_limit_identifier")
	ErrInvalidOptions    = errors.New("invalid_rate_limit_options")
)

// Options configures one fixed window.
type Options struct {
	Limit  int
	Window time.Duration
}

func (o Options) validate() error {
	if o.Limit <= 0 || o.Window <= 0 {
		return ErrInvalidOptions
	}
	return nil
}

// Result describes the bucket after a consume or peek.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Limited   bool
}

// ExceededError is returned by Allow when the caller's window is exhausted.
type ExceededError struct {
	Identifier string
	Result     Result
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded until %s", e.Result.ResetAt.UTC().Format(time.RFC3339))
}

func (e *ExceededError) Code() string { return "rate_limited" }

// RetryAfter is the time remaining until the window resets.
func (e *ExceededError) RetryAfter(now time.Time) time.Duration {
	d := e.Result.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store holds buckets. Implementations must make Consume atomic per identifier.
type Store interface {
	Consume(ctx context.Context, identifier string, opts Options) (Result, error)
	Peek(ctx context.Context, identifier string) (Result, bool, error)
}

// Limiter applies fixed-window limits keyed by an opaque identifier
// (the authenticated credential).
type Limiter struct {
	store    Store
	defaults Options
}

func NewLimiter(store Store, defaults Options) *Limiter {
	return &Limiter{store: store, defaults: defaults}
}

func (l *Limiter) Defaults() Options { return l.defaults }

// Consume counts one request against identifier's window.
func (l *Limiter) Consume(ctx context.Context, identifier string, opts Options) (Result, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Result{}, ErrInvalidIdentifier
	}
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	return l.store.Consume(ctx, identifier, opts)
}

// Allow consumes with the default options and converts a tripped window
// into an *ExceededError.
func (l *Limiter) Allow(ctx context.Context, identifier string) (Result, error) {
	res, err := l.Consume(ctx, identifier, l.defaults)
	if err != nil {
		return res, err
	}
	if res.Limited {
		return res, &ExceededError{Identifier: identifier, Result: res}
	}
	return res, nil
}

// Status peeks at the bucket without counting. ok is false when no live
// bucket exists.
func (l *Limiter) Status(ctx context.Context, identifier string) (Result, bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Result{}, false, ErrInvalidIdentifier
	}
	return l.store.Peek(ctx, identifier)
}
