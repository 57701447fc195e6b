// Package failover routes chained writes to regional stores, queues them
// while a region is unavailable and replays the queue in order once the
// region is back.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/chain"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/lock"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"github.com/smallbiznis/auditrail/internal/region"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxAppendAttempts  = 3
	maxReplayWorkers   = 8
	maxProbeWorkers    = 16
	queuedAtResolution = time.Microsecond
)

// IndexRecorder is the global index write that accompanies every commit.
type IndexRecorder interface {
	Record(ctx context.Context, e *eventdomain.AuditEvent) error
}

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Pool     *region.Pool
	Pending  PendingRepository
	Index    IndexRecorder
	Backfill BackfillRepository
	Locker   lock.Locker
	Notifier webhook.Notifier         `optional:"true"`
	Metrics  *metrics.FailoverMetrics `optional:"true"`
}

type regionState struct {
	state     State
	latency   time.Duration
	checkedAt time.Time
	lastErr   string
}

// Manager owns region health and the pending-write queue.
type Manager struct {
	cfg      config.FailoverConfig
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	pool     *region.Pool
	pending  PendingRepository
	index    IndexRecorder
	backfill BackfillRepository
	locker   lock.Locker
	notifier webhook.Notifier
	metrics  *metrics.FailoverMetrics

	mu     sync.RWMutex
	states map[string]*regionState

	// serializes replay per region
	replayMu sync.Map
}

func NewManager(p Params) *Manager {
	cfg := withDefaults(p.Config.Failover)
	return &Manager{
		cfg:      cfg,
		log:      p.Log.Named("failover"),
		clock:    p.Clock,
		genID:    p.GenID,
		pool:     p.Pool,
		pending:  p.Pending,
		index:    p.Index,
		backfill: p.Backfill,
		locker:   p.Locker,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		states:   make(map[string]*regionState),
	}
}

func withDefaults(c config.FailoverConfig) config.FailoverConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = 500
	}
	return c
}

func workspaceKey(id snowflake.ID) string {
	return "workspace:" + id.String()
}

// Write extends the workspace chain in e.Region. When the region cannot take
// the write, or the workspace already has queued writes there, the event is
// queued and the outcome is StatusQueued.
//
// e must carry its ID, company, workspace, region and createdAt.
func (m *Manager) Write(ctx context.Context, e *eventdomain.AuditEvent) (*Outcome, error) {
	// the caller going away must not leave a half-handled write behind
	ctx = context.WithoutCancel(ctx)

	unlock, err := m.locker.Lock(ctx, workspaceKey(e.WorkspaceID))
	if err != nil {
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	defer unlock()

	if m.State(e.Region) == StateUnhealthy {
		return m.enqueue(ctx, e)
	}

	queued, err := m.pending.HasPending(ctx, e.Region, e.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("check pending writes: %w", err)
	}
	if queued {
		return m.enqueue(ctx, e)
	}

	store, err := m.pool.Get(ctx, e.Region)
	if errors.Is(err, region.ErrUnknownRegion) {
		return nil, err
	}
	if err != nil {
		m.TriggerFailover(e.Region, err)
		return m.enqueue(ctx, e)
	}

	if err := m.commit(ctx, store, e); err != nil {
		if !isRegionalFailure(err) {
			return nil, err
		}
		m.TriggerFailover(e.Region, err)
		return m.enqueue(ctx, e)
	}

	m.afterCommit(ctx, e)
	return &Outcome{Status: StatusCommitted, Event: e}, nil
}

// commit reads the tail, links e to it and appends. The caller holds the
// workspace lock.
func (m *Manager) commit(ctx context.Context, store regionstore.Store, e *eventdomain.AuditEvent) error {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		tail, err := store.Tail(ctx, e.WorkspaceID)
		if err != nil {
			return err
		}

		e.PrevHash = nil
		e.Sequence = 1
		if tail != nil {
			prev := tail.Hash
			e.PrevHash = &prev
			e.Sequence = tail.Sequence + 1
			if e.CreatedAt.Before(tail.CreatedAt) {
				e.CreatedAt = tail.CreatedAt
			}
		}

		hash, err := chain.ComputeEventHash(e.ChainInput(), e.PrevHash)
		if err != nil {
			return err
		}
		e.Hash = hash

		err = store.Append(ctx, e)
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		// another writer took the sequence, or this event already landed
		exists, existsErr := store.Exists(ctx, e.ID)
		if existsErr == nil && exists {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// isRegionalFailure is false for errors carried by the event itself, which
// no amount of retrying against the region would fix.
func isRegionalFailure(err error) bool {
	return !errors.Is(err, chain.ErrNotSerializable) && !errors.Is(err, ErrCorruptEnvelope)
}

func (m *Manager) afterCommit(ctx context.Context, e *eventdomain.AuditEvent) {
	m.recordIndex(ctx, e)
	if m.notifier != nil {
		m.notifier.Notify(webhook.Notification{
			CompanyID:   e.CompanyID,
			WorkspaceID: e.WorkspaceID,
			EventID:     e.ID,
		})
	}
}

// enqueue stores e as a pending write. The caller holds the workspace lock,
// which keeps queuedAt strictly increasing per workspace.
func (m *Manager) enqueue(ctx context.Context, e *eventdomain.AuditEvent) (*Outcome, error) {
	e.Hash = ""
	e.PrevHash = nil
	e.Sequence = 0

	payload, err := encodeEnvelope(e)
	if err != nil {
		return nil, err
	}

	queuedAt := m.clock.Now().UTC().Truncate(queuedAtResolution)
	last, err := m.pending.LastQueuedAt(ctx, e.Region, e.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("read pending queue: %w", err)
	}
	if last != nil && !queuedAt.After(*last) {
		queuedAt = last.UTC().Add(queuedAtResolution)
	}

	pw := &eventdomain.PendingWrite{
		ID:          m.genID.Generate(),
		CompanyID:   e.CompanyID,
		WorkspaceID: e.WorkspaceID,
		Region:      e.Region,
		EventID:     e.ID,
		Payload:     payload,
		QueuedAt:    queuedAt,
	}
	if err := m.pending.Insert(ctx, pw); err != nil {
		return nil, fmt.Errorf("queue pending write: %w", err)
	}

	m.log.Info("write queued",
		zap.String("region", e.Region),
		zap.String("workspace_id", e.WorkspaceID.String()),
		zap.String("event_id", e.ID.String()),
	)
	return &Outcome{Status: StatusQueued, Event: e}, nil
}

// State returns the region's current state. Regions never probed are
// assumed healthy.
func (m *Manager) State(region string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[region]; ok {
		return st.state
	}
	return StateHealthy
}

// TriggerFailover marks region unhealthy. Repeated calls are no-ops.
func (m *Manager) TriggerFailover(region string, cause error) {
	reason := "manual"
	if cause != nil {
		reason = cause.Error()
	}
	m.transition(region, StateUnhealthy, func(st *regionState) {
		st.lastErr = reason
	})
}

func (m *Manager) transition(region string, to State, update func(*regionState)) {
	m.mu.Lock()
	st, ok := m.states[region]
	if !ok {
		st = &regionState{state: StateHealthy}
		m.states[region] = st
	}
	from := st.state
	st.state = to
	if update != nil {
		update(st)
	}
	m.mu.Unlock()

	if from == to {
		return
	}
	m.metrics.RecordTransition(region, string(from), string(to))
	fields := []zap.Field{zap.String("region", region), zap.String("from", string(from)), zap.String("to", string(to))}
	if to == StateUnhealthy {
		m.log.Warn("region state changed", fields...)
		return
	}
	m.log.Info("region state changed", fields...)
}
