// Package regionstoretest provides region stores for tests: an in-memory
// sqlite store that can be switched unavailable.
package regionstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	"gorm.io/gorm"
)

var ErrUnavailable = errors.New("region unavailable")

var seq atomic.Int64

// Store is a regionstore.Store backed by in-memory sqlite.
type Store struct {
	regionstore.Store
	DB      *gorm.DB
	down    atomic.Bool
	appends atomic.Int64
}

func New(t testing.TB, name string) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:regionstoretest_%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&eventdomain.AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := &Store{Store: regionstore.NewGormStore(name, conn, time.Second), DB: conn}
	t.Cleanup(func() { _ = s.Store.Close() })
	return s
}

// SetDown makes every call fail with ErrUnavailable.
func (s *Store) SetDown(down bool) { s.down.Store(down) }

// Appends counts successful appends.
func (s *Store) Appends() int64 { return s.appends.Load() }

func (s *Store) check() error {
	if s.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Store.Ping(ctx)
}

func (s *Store) Append(ctx context.Context, e *eventdomain.AuditEvent) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.Store.Append(ctx, e); err != nil {
		return err
	}
	s.appends.Add(1)
	return nil
}

func (s *Store) Tail(ctx context.Context, workspaceID snowflake.ID) (*eventdomain.AuditEvent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.Tail(ctx, workspaceID)
}

func (s *Store) Exists(ctx context.Context, eventID snowflake.ID) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.Store.Exists(ctx, eventID)
}

func (s *Store) Get(ctx context.Context, companyID, eventID snowflake.ID) (*eventdomain.AuditEvent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, companyID, eventID)
}

func (s *Store) GetMany(ctx context.Context, ids []snowflake.ID) ([]eventdomain.AuditEvent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.GetMany(ctx, ids)
}

func (s *Store) List(ctx context.Context, q eventdomain.ListQuery) ([]eventdomain.AuditEvent, int64, error) {
	if err := s.check(); err != nil {
		return nil, 0, err
	}
	return s.Store.List(ctx, q)
}

func (s *Store) Chain(ctx context.Context, workspaceID snowflake.ID, afterSeq int64, limit int) ([]eventdomain.AuditEvent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.Chain(ctx, workspaceID, afterSeq, limit)
}

// Close is a no-op so a pool can close and reopen the same fake; the
// connection is released by test cleanup.
func (s *Store) Close() error { return nil }

// Opener serves fixed stores by region name and counts opens.
type Opener struct {
	Stores map[string]regionstore.Store
	opens  atomic.Int64
}

func NewOpener(stores ...*Store) *Opener {
	o := &Opener{Stores: make(map[string]regionstore.Store, len(stores))}
	for _, s := range stores {
		o.Stores[s.Name()] = s
	}
	return o
}

func (o *Opener) Open(_ context.Context, spec config.RegionSpec) (regionstore.Store, error) {
	o.opens.Add(1)
	s, ok := o.Stores[spec.Name]
	if !ok {
		return nil, fmt.Errorf("no fake store for region %q", spec.Name)
	}
	return s, nil
}

func (o *Opener) Opens() int64 { return o.opens.Load() }

// Topology builds a static topology serving the named regions; the first
// is the default.
func Topology(t testing.TB, regions ...string) *config.TopologyHolder {
	t.Helper()
	specs := make([]config.RegionSpec, 0, len(regions))
	for _, r := range regions {
		specs = append(specs, config.RegionSpec{Name: r})
	}
	holder, err := config.NewStaticTopologyHolder(config.Topology{DefaultRegion: regions[0], Regions: specs})
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	return holder
}
