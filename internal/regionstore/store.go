// Package regionstore holds the per-region event tables behind a narrow
// interface so the pool, failover manager and query broker can run against
// fakes.
package regionstore

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
)

var ErrEventNotFound = errors.New("event_not_found")

// Store is one region's durable event store. Every call is bounded by the
// store's call timeout; a deadline is reported as an error like any other
// regional failure.
type Store interface {
	Name() string
	Ping(ctx context.Context) error

	Append(ctx context.Context, e *eventdomain.AuditEvent) error
	// Tail returns the highest-sequence event of the workspace, or nil.
	Tail(ctx context.Context, workspaceID snowflake.ID) (*eventdomain.AuditEvent, error)
	Exists(ctx context.Context, eventID snowflake.ID) (bool, error)

	Get(ctx context.Context, companyID, eventID snowflake.ID) (*eventdomain.AuditEvent, error)
	GetMany(ctx context.Context, ids []snowflake.ID) ([]eventdomain.AuditEvent, error)
	List(ctx context.Context, q eventdomain.ListQuery) ([]eventdomain.AuditEvent, int64, error)
	// Chain returns events of a workspace in sequence order after afterSeq.
	Chain(ctx context.Context, workspaceID snowflake.ID, afterSeq int64, limit int) ([]eventdomain.AuditEvent, error)

	MarkArchivalCandidates(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, before time.Time) (int64, error)
	ListArchivalCandidates(ctx context.Context, limit int) ([]eventdomain.AuditEvent, error)
	MarkArchived(ctx context.Context, ids []snowflake.ID) error

	Close() error
}

// Opener connects to a region's store.
type Opener interface {
	Open(ctx context.Context, spec config.RegionSpec) (Store, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, spec config.RegionSpec) (Store, error)

func (f OpenerFunc) Open(ctx context.Context, spec config.RegionSpec) (Store, error) {
	return f(ctx, spec)
}
