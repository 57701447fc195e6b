package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/auditrail/internal/chain"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/lock"
	"github.com/smallbiznis/auditrail/internal/region"
	"github.com/smallbiznis/auditrail/internal/regionstore/regionstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var harnessSeq atomic.Int64

type harness struct {
	m      *Manager
	db     *gorm.DB
	clock  *clock.FakeClock
	index  *switchableIndex
	stores map[string]*regionstoretest.Store
}

// switchableIndex fails every Record while broken is set.
type switchableIndex struct {
	IndexRecorder
	broken atomic.Bool
}

func (i *switchableIndex) Record(ctx context.Context, e *eventdomain.AuditEvent) error {
	if i.broken.Load() {
		return errors.New("global database unavailable")
	}
	return i.IndexRecorder.Record(ctx, e)
}

func newHarness(t *testing.T, regions ...string) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), harnessSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&eventdomain.PendingWrite{}, &eventdomain.IndexEntry{}, &eventdomain.IndexBackfill{}))
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	stores := make(map[string]*regionstoretest.Store, len(regions))
	list := make([]*regionstoretest.Store, 0, len(regions))
	for _, r := range regions {
		s := regionstoretest.New(t, r)
		stores[r] = s
		list = append(list, s)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pool := region.NewPool(regionstoretest.NewOpener(list...), regionstoretest.Topology(t, regions...), zap.NewNop())

	index := &switchableIndex{IndexRecorder: globalindex.New(globalindex.Params{DB: conn, Log: zap.NewNop()})}
	m := NewManager(Params{
		Config:   config.Config{},
		Log:      zap.NewNop(),
		Clock:    fake,
		GenID:    node,
		Pool:     pool,
		Pending:  NewPendingRepository(conn),
		Index:    index,
		Backfill: NewBackfillRepository(conn),
		Locker:   lock.NewKeyedMutex(),
	})
	return &harness{m: m, db: conn, clock: fake, index: index, stores: stores}
}

func newEvent(id, workspace snowflake.ID, region, action string, at time.Time) *eventdomain.AuditEvent {
	return &eventdomain.AuditEvent{
		ID:          id,
		CompanyID:   10,
		WorkspaceID: workspace,
		Action:      action,
		Category:    "access",
		Payload:     datatypes.JSON(fmt.Sprintf(`{"n":%d}`, id)),
		CreatedAt:   at,
		Region:      region,
	}
}

func (h *harness) chain(t *testing.T, region string, workspace snowflake.ID) []*eventdomain.AuditEvent {
	t.Helper()
	rows, err := h.stores[region].Chain(context.Background(), workspace, 0, 1000)
	require.NoError(t, err)
	out := make([]*eventdomain.AuditEvent, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out
}

func (h *harness) pendingCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&eventdomain.PendingWrite{}).Count(&n).Error)
	return n
}

func TestWriteCommitsAndLinksChain(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()
	base := h.clock.Now()

	for i := 1; i <= 3; i++ {
		out, err := h.m.Write(ctx, newEvent(snowflake.ID(i), 7, "us-east", "user.login", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, out.Status)
		assert.Equal(t, int64(i), out.Event.Sequence)
	}

	links := h.chain(t, "us-east", 7)
	require.Len(t, links, 3)
	assert.Nil(t, links[0].PrevHash)
	require.NoError(t, chain.Verify(links))

	var indexed int64
	require.NoError(t, h.db.Model(&eventdomain.IndexEntry{}).Count(&indexed).Error)
	assert.Equal(t, int64(3), indexed)
}

func TestWriteClampsCreatedAtToTail(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()
	base := h.clock.Now()

	_, err := h.m.Write(ctx, newEvent(1, 7, "us-east", "a", base))
	require.NoError(t, err)
	out, err := h.m.Write(ctx, newEvent(2, 7, "us-east", "b", base.Add(-time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, base, out.Event.CreatedAt)
	require.NoError(t, chain.Verify(h.chain(t, "us-east", 7)))
}

func TestWriteQueuesWhileRegionDown(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()
	store := h.stores["us-east"]
	store.SetDown(true)

	out, err := h.m.Write(ctx, newEvent(1, 7, "us-east", "a", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)
	assert.Empty(t, out.Event.Hash)
	assert.Equal(t, StateUnhealthy, h.m.State("us-east"))

	// region already unhealthy: no store call at all
	out, err = h.m.Write(ctx, newEvent(2, 7, "us-east", "b", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)

	assert.Equal(t, int64(2), h.pendingCount(t))
	assert.Zero(t, store.Appends())

	var indexed int64
	require.NoError(t, h.db.Model(&eventdomain.IndexEntry{}).Count(&indexed).Error)
	assert.Zero(t, indexed)
}

func TestReplayMatchesSynchronousChain(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := func() []*eventdomain.AuditEvent {
		var out []*eventdomain.AuditEvent
		for i := 1; i <= 5; i++ {
			out = append(out, newEvent(snowflake.ID(100+i), 7, "eu-west", fmt.Sprintf("doc.edit.%d", i), base.Add(time.Duration(i)*time.Millisecond)))
		}
		return out
	}

	direct := newHarness(t, "eu-west")
	for _, e := range events() {
		_, err := direct.m.Write(ctx, e)
		require.NoError(t, err)
	}

	queued := newHarness(t, "eu-west")
	queued.stores["eu-west"].SetDown(true)
	for _, e := range events() {
		out, err := queued.m.Write(ctx, e)
		require.NoError(t, err)
		require.Equal(t, StatusQueued, out.Status)
		queued.clock.Advance(time.Microsecond)
	}

	queued.stores["eu-west"].SetDown(false)
	assert.Equal(t, []string{"eu-west"}, queued.m.ProbeAll(ctx))

	report, err := queued.m.ProcessPendingWrites(ctx, "eu-west")
	require.NoError(t, err)
	assert.Equal(t, 5, report.Replayed)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, StateHealthy, queued.m.State("eu-west"))
	assert.Zero(t, queued.pendingCount(t))

	want := direct.chain(t, "eu-west", 7)
	got := queued.chain(t, "eu-west", 7)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Sequence, got[i].Sequence)
		assert.Equal(t, want[i].Hash, got[i].Hash)
	}
	require.NoError(t, chain.Verify(got))
}

func TestWriteQueuesBehindPendingRows(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()

	h.m.TriggerFailover("us-east", nil)
	_, err := h.m.Write(ctx, newEvent(1, 7, "us-east", "first", h.clock.Now()))
	require.NoError(t, err)

	// region is healthy again but the workspace queue has not drained
	h.m.ProbeAll(ctx)
	require.Equal(t, StateHealthy, h.m.State("us-east"))

	h.clock.Advance(time.Millisecond)
	out, err := h.m.Write(ctx, newEvent(2, 7, "us-east", "second", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)

	// other workspaces are not held back
	out, err = h.m.Write(ctx, newEvent(3, 8, "us-east", "other", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)

	_, err = h.m.ProcessPendingWrites(ctx, "us-east")
	require.NoError(t, err)

	links := h.chain(t, "us-east", 7)
	require.Len(t, links, 2)
	assert.Equal(t, "first", links[0].Action)
	assert.Equal(t, "second", links[1].Action)
}

func TestReplaySkipsAlreadyCommittedEvent(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()

	h.m.TriggerFailover("us-east", nil)
	e := newEvent(1, 7, "us-east", "a", h.clock.Now())
	_, err := h.m.Write(ctx, e)
	require.NoError(t, err)

	// the event landed before its queue row was drained
	committed := newEvent(1, 7, "us-east", "a", h.clock.Now())
	require.NoError(t, h.m.commit(ctx, h.stores["us-east"], committed))

	h.m.ProbeAll(ctx)
	report, err := h.m.ProcessPendingWrites(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Replayed)
	assert.Len(t, h.chain(t, "us-east", 7), 1)
	assert.Zero(t, h.pendingCount(t))
}

func TestReplayStopsAtFailureAndKeepsRows(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()
	store := h.stores["us-east"]

	store.SetDown(true)
	for i := 1; i <= 3; i++ {
		_, err := h.m.Write(ctx, newEvent(snowflake.ID(i), 7, "us-east", "a", h.clock.Now()))
		require.NoError(t, err)
		h.clock.Advance(time.Microsecond)
	}

	// still down: replay fails on the first row and leaves the rest
	h.m.transition("us-east", StateHealthy, nil)
	report, err := h.m.ProcessPendingWrites(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int64(3), report.Remaining)
	assert.Equal(t, StateUnhealthy, h.m.State("us-east"))

	var first eventdomain.PendingWrite
	require.NoError(t, h.db.Where("event_id = ?", 1).First(&first).Error)
	assert.Equal(t, 1, first.Attempts)
	require.NotNil(t, first.LastError)
}

func TestTriggerFailoverIsIdempotent(t *testing.T) {
	h := newHarness(t, "us-east")

	h.m.TriggerFailover("us-east", fmt.Errorf("timeout"))
	h.m.TriggerFailover("us-east", fmt.Errorf("timeout again"))
	assert.Equal(t, StateUnhealthy, h.m.State("us-east"))

	health, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, health, 1)
	// snapshot re-probes the stale region, which is reachable
	assert.Equal(t, StateHealthy, health[0].State)
}

func TestRegionsFailIndependently(t *testing.T) {
	h := newHarness(t, "us-east", "eu-west")
	ctx := context.Background()
	h.stores["eu-west"].SetDown(true)

	out, err := h.m.Write(ctx, newEvent(1, 7, "eu-west", "a", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)

	out, err = h.m.Write(ctx, newEvent(2, 8, "us-east", "b", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)

	health, err := h.m.Snapshot(ctx)
	require.NoError(t, err)
	byRegion := map[string]RegionHealth{}
	for _, r := range health {
		byRegion[r.Region] = r
	}
	assert.True(t, byRegion["us-east"].Healthy)
	assert.False(t, byRegion["eu-west"].Healthy)
	assert.Equal(t, int64(1), byRegion["eu-west"].PendingWrites)

	backlog, err := h.m.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)
}

func TestWriteRejectsUnknownRegion(t *testing.T) {
	h := newHarness(t, "us-east")
	_, err := h.m.Write(context.Background(), newEvent(1, 7, "mars", "a", h.clock.Now()))
	require.ErrorIs(t, err, region.ErrUnknownRegion)
	assert.Zero(t, h.pendingCount(t))
}

func TestEnvelopeRoundTripKeepsHashInput(t *testing.T) {
	actor := "u-1"
	project := "p-1"
	e := newEvent(1, 7, "us-east", "a", time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC))
	e.ActorID = &actor
	e.ProjectID = &project
	e.Metadata = datatypes.JSON(`{"ip":"10.0.0.1"}`)

	raw, err := encodeEnvelope(e)
	require.NoError(t, err)
	back, err := decodeEnvelope(raw)
	require.NoError(t, err)

	want, err := chain.ComputeEventHash(e.ChainInput(), nil)
	require.NoError(t, err)
	got, err := chain.ComputeEventHash(back.ChainInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func (h *harness) indexedCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&eventdomain.IndexEntry{}).Count(&n).Error)
	return n
}

func TestWriteRejectsUnhashableEventWithoutFailover(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()

	bad := newEvent(1, 7, "us-east", "a", h.clock.Now())
	bad.Payload = datatypes.JSON(`{"n":1e5000}`)
	_, err := h.m.Write(ctx, bad)
	require.ErrorIs(t, err, chain.ErrNotSerializable)

	assert.Equal(t, StateHealthy, h.m.State("us-east"))
	assert.Zero(t, h.pendingCount(t))
	assert.Zero(t, h.stores["us-east"].Appends())

	// neither the workspace nor its neighbours are held back
	out, err := h.m.Write(ctx, newEvent(2, 7, "us-east", "b", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
	out, err = h.m.Write(ctx, newEvent(3, 8, "us-east", "c", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
}

func TestReplayCorruptRowKeepsRegionHealthy(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()

	h.m.TriggerFailover("us-east", nil)
	_, err := h.m.Write(ctx, newEvent(1, 8, "us-east", "a", h.clock.Now()))
	require.NoError(t, err)
	require.NoError(t, h.m.pending.Insert(ctx, &eventdomain.PendingWrite{
		ID:          900,
		CompanyID:   10,
		WorkspaceID: 9,
		Region:      "us-east",
		EventID:     901,
		Payload:     []byte{0xff},
		QueuedAt:    h.clock.Now(),
	}))

	h.m.ProbeAll(ctx)
	report, err := h.m.ProcessPendingWrites(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, snowflake.ID(9), report.Errors[0].WorkspaceID)
	assert.Equal(t, StateHealthy, h.m.State("us-east"))

	out, err := h.m.Write(ctx, newEvent(2, 10, "us-east", "b", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
}

func TestIndexFailureIsReconciled(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()

	h.index.broken.Store(true)
	out, err := h.m.Write(ctx, newEvent(1, 7, "us-east", "a", h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
	assert.Zero(t, h.indexedCount(t))

	backlog, err := h.m.IndexBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)

	// still failing: the row stays and counts the attempt
	n, err := h.m.ReconcileIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	var parked eventdomain.IndexBackfill
	require.NoError(t, h.db.First(&parked, "event_id = ?", 1).Error)
	assert.Equal(t, 1, parked.Attempts)

	h.index.broken.Store(false)
	n, err = h.m.ReconcileIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), h.indexedCount(t))

	backlog, err = h.m.IndexBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)

	var entry eventdomain.IndexEntry
	require.NoError(t, h.db.First(&entry, "event_id = ?", 1).Error)
	assert.Equal(t, "us-east", entry.Region)
	assert.Equal(t, snowflake.ID(7), entry.WorkspaceID)
}

func TestConcurrentWritesKeepOneChain(t *testing.T) {
	h := newHarness(t, "us-east")
	ctx := context.Background()
	const writers = 40

	// a few rows queued up front so replay races the live writers
	h.m.TriggerFailover("us-east", nil)
	for i := 1; i <= 5; i++ {
		_, err := h.m.Write(ctx, newEvent(snowflake.ID(i), 7, "us-east", "queued", h.clock.Now()))
		require.NoError(t, err)
		h.clock.Advance(time.Microsecond)
	}
	h.m.ProbeAll(ctx)
	require.Equal(t, StateHealthy, h.m.State("us-east"))

	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			if _, err := h.m.Write(ctx, newEvent(id, 7, "us-east", "live", h.clock.Now())); err != nil {
				errs <- err
			}
		}(snowflake.ID(100 + i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.m.ProcessPendingWrites(ctx, "us-east"); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// drain whatever queued behind the replay
	for i := 0; i < 5 && h.pendingCount(t) > 0; i++ {
		_, err := h.m.ProcessPendingWrites(ctx, "us-east")
		require.NoError(t, err)
	}
	require.Zero(t, h.pendingCount(t))

	links := h.chain(t, "us-east", 7)
	require.Len(t, links, writers+5)
	for i, link := range links {
		assert.Equal(t, int64(i+1), link.Sequence)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, "queued", links[i].Action)
	}
	require.NoError(t, chain.Verify(links))
}
