package failover

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type probeResult struct {
	region    string
	recovered bool
}

// ProbeAll pings every region concurrently and updates their state. It
// returns the regions that came back from UNHEALTHY.
func (m *Manager) ProbeAll(ctx context.Context) []string {
	p := pool.NewWithResults[probeResult]().WithMaxGoroutines(maxProbeWorkers)
	for _, name := range m.pool.Regions() {
		name := name
		p.Go(func() probeResult {
			return probeResult{region: name, recovered: m.probe(ctx, name)}
		})
	}

	var recovered []string
	for _, res := range p.Wait() {
		if res.recovered {
			recovered = append(recovered, res.region)
		}
	}
	sort.Strings(recovered)
	return recovered
}

// probe checks one region. A failure or timeout marks it UNHEALTHY; success
// marks an UNHEALTHY region HEALTHY and reports the recovery.
func (m *Manager) probe(ctx context.Context, region string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.ping(ctx, region)
	latency := time.Since(start)
	checkedAt := m.clock.Now()

	m.metrics.SetRegionHealth(region, err == nil, latency)

	if err != nil {
		m.log.Warn("region probe failed", zap.String("region", region), zap.Duration("latency", latency), zap.Error(err))
		m.transition(region, StateUnhealthy, func(st *regionState) {
			st.latency = latency
			st.checkedAt = checkedAt
			st.lastErr = err.Error()
		})
		return false
	}

	wasUnhealthy := m.State(region) == StateUnhealthy
	update := func(st *regionState) {
		st.latency = latency
		st.checkedAt = checkedAt
		st.lastErr = ""
	}
	if wasUnhealthy {
		m.transition(region, StateHealthy, update)
		return true
	}

	// RECOVERING is left to the replay that set it
	m.mu.Lock()
	st, ok := m.states[region]
	if !ok {
		st = &regionState{state: StateHealthy}
		m.states[region] = st
	}
	update(st)
	m.mu.Unlock()
	return false
}

func (m *Manager) ping(ctx context.Context, region string) error {
	store, err := m.pool.Get(ctx, region)
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

// Snapshot reports every region, re-probing those whose last check is older
// than the health TTL.
func (m *Manager) Snapshot(ctx context.Context) ([]RegionHealth, error) {
	regions := m.pool.Regions()
	now := m.clock.Now()

	stale := pool.New().WithMaxGoroutines(maxProbeWorkers)
	for _, name := range regions {
		name := name
		m.mu.RLock()
		st, ok := m.states[name]
		fresh := ok && !st.checkedAt.IsZero() && now.Sub(st.checkedAt) < m.cfg.HealthTTL
		m.mu.RUnlock()
		if fresh {
			continue
		}
		stale.Go(func() { m.probe(ctx, name) })
	}
	stale.Wait()

	counts, err := m.pending.CountByRegion(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RegionHealth, 0, len(regions))
	m.mu.RLock()
	for _, name := range regions {
		h := RegionHealth{Region: name, State: StateHealthy, Healthy: true, PendingWrites: counts[name]}
		if st, ok := m.states[name]; ok {
			h.State = st.state
			h.Healthy = st.state != StateUnhealthy
			h.LatencyMs = st.latency.Milliseconds()
			h.CheckedAt = st.checkedAt
			h.LastError = st.lastErr
		}
		out = append(out, h)
	}
	m.mu.RUnlock()

	for _, h := range out {
		m.metrics.SetPendingWrites(h.Region, h.PendingWrites)
	}
	return out, nil
}

// Backlog is the number of queued writes across all regions.
func (m *Manager) Backlog(ctx context.Context) (int64, error) {
	counts, err := m.pending.CountByRegion(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}
