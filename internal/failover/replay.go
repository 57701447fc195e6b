package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ErrReplayInProgress is returned when the region is already replaying.
var ErrReplayInProgress = errors.New("replay_in_progress")

type workspaceReplay struct {
	workspaceID snowflake.ID
	replayed    int
	duplicates  int
	err         error
}

// ProcessPendingWrites replays the region's queue. Workspaces replay in
// parallel; inside a workspace rows apply strictly in queue order and each
// row is deleted only after it is durable. A workspace stops at its first
// failing row, which stays queued for the next run.
func (m *Manager) ProcessPendingWrites(ctx context.Context, region string) (*ReplayReport, error) {
	muAny, _ := m.replayMu.LoadOrStore(region, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrReplayInProgress
	}
	defer mu.Unlock()

	report := &ReplayReport{Region: region}

	workspaces, err := m.pending.Workspaces(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("list pending workspaces: %w", err)
	}
	if len(workspaces) == 0 {
		if m.State(region) == StateRecovering {
			m.transition(region, StateHealthy, nil)
		}
		return report, nil
	}

	store, err := m.pool.Get(ctx, region)
	if err != nil {
		m.TriggerFailover(region, err)
		return nil, err
	}

	m.transition(region, StateRecovering, nil)

	p := pool.NewWithResults[workspaceReplay]().WithMaxGoroutines(maxReplayWorkers)
	for _, ws := range workspaces {
		ws := ws
		p.Go(func() workspaceReplay {
			return m.replayWorkspace(ctx, store, region, ws)
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].workspaceID < results[j].workspaceID })

	var regionalErr error
	for _, res := range results {
		report.Replayed += res.replayed
		report.Duplicates += res.duplicates
		if res.err != nil {
			if regionalErr == nil && isRegionalFailure(res.err) {
				regionalErr = res.err
			}
			report.Failed++
			report.Errors = append(report.Errors, ReplayError{WorkspaceID: res.workspaceID, Error: res.err.Error()})
		}
	}

	counts, err := m.pending.CountByRegion(ctx)
	if err == nil {
		report.Remaining = counts[region]
		m.metrics.SetPendingWrites(region, report.Remaining)
	}

	if regionalErr != nil {
		m.TriggerFailover(region, regionalErr)
	} else {
		m.transition(region, StateHealthy, nil)
	}

	m.log.Info("pending writes replayed",
		zap.String("region", region),
		zap.Int("replayed", report.Replayed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed_workspaces", report.Failed),
		zap.Int64("remaining", report.Remaining),
	)
	return report, nil
}

func (m *Manager) replayWorkspace(ctx context.Context, store regionstore.Store, region string, workspaceID snowflake.ID) workspaceReplay {
	res := workspaceReplay{workspaceID: workspaceID}
	for i := 0; i < m.cfg.ReplayBatchSize; i++ {
		done, dup, err := m.replayNext(ctx, store, region, workspaceID)
		if err != nil {
			res.err = err
			m.log.Warn("replay stopped for workspace",
				zap.String("region", region),
				zap.String("workspace_id", workspaceID.String()),
				zap.Error(err),
			)
			return res
		}
		if done {
			return res
		}
		if dup {
			res.duplicates++
		} else {
			res.replayed++
		}
	}
	return res
}

// replayNext applies the oldest queued row of the workspace. done is true
// when the queue is empty.
func (m *Manager) replayNext(ctx context.Context, store regionstore.Store, region string, workspaceID snowflake.ID) (done bool, duplicate bool, err error) {
	unlock, err := m.locker.Lock(ctx, workspaceKey(workspaceID))
	if err != nil {
		return false, false, err
	}
	defer unlock()

	row, err := m.pending.Next(ctx, region, workspaceID)
	if err != nil {
		return false, false, err
	}
	if row == nil {
		return true, false, nil
	}

	fail := func(cause error) (bool, bool, error) {
		m.metrics.RecordReplay(region, metrics.ReplayOutcomeFailed)
		if recErr := m.pending.RecordFailure(ctx, row.ID, cause.Error()); recErr != nil {
			m.log.Warn("record replay failure", zap.String("pending_id", row.ID.String()), zap.Error(recErr))
		}
		return false, false, cause
	}

	e, err := decodeEnvelope(row.Payload)
	if err != nil {
		return fail(err)
	}

	exists, err := store.Exists(ctx, e.ID)
	if err != nil {
		return fail(err)
	}
	if exists {
		// committed earlier; the index write is idempotent
		m.recordIndex(ctx, e)
		if err := m.pending.Delete(ctx, row.ID); err != nil {
			return false, false, err
		}
		m.metrics.RecordReplay(region, metrics.ReplayOutcomeDuplicate)
		return false, true, nil
	}

	if err := m.commit(ctx, store, e); err != nil {
		return fail(err)
	}
	m.afterCommit(ctx, e)

	if err := m.pending.Delete(ctx, row.ID); err != nil {
		// the next run finds the event committed and drops the row
		return false, false, fmt.Errorf("delete replayed row: %w", err)
	}
	m.metrics.RecordReplay(region, metrics.ReplayOutcomeReplayed)
	return false, false, nil
}

// RecoverAll replays every region with queued writes. Regions run
// independently; one region's failure is reported without stopping others.
func (m *Manager) RecoverAll(ctx context.Context) map[string]*ReplayReport {
	counts, err := m.pending.CountByRegion(ctx)
	if err != nil {
		m.log.Warn("count pending writes", zap.Error(err))
		return nil
	}

	var (
		mu  sync.Mutex
		out = make(map[string]*ReplayReport, len(counts))
	)
	p := pool.New().WithMaxGoroutines(maxProbeWorkers)
	for name, n := range counts {
		name := name
		if n == 0 || m.State(name) == StateUnhealthy {
			continue
		}
		p.Go(func() {
			report, err := m.ProcessPendingWrites(ctx, name)
			if err != nil {
				if !errors.Is(err, ErrReplayInProgress) {
					m.log.Warn("region recovery failed", zap.String("region", name), zap.Error(err))
				}
				return
			}
			mu.Lock()
			out[name] = report
			mu.Unlock()
		})
	}
	p.Wait()
	return out
}
