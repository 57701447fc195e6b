package failover

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunForever probes regions on ProbeInterval. On RecoveryInterval, or right
// away when a probe sees a region come back, it replays queues; the recovery
// tick also retries parked index writes.
func (m *Manager) RunForever(ctx context.Context) {
	probe := time.NewTicker(m.cfg.ProbeInterval)
	defer probe.Stop()
	recovery := time.NewTicker(m.cfg.RecoveryInterval)
	defer recovery.Stop()

	m.ProbeAll(ctx)
	m.RecoverAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			if recovered := m.ProbeAll(ctx); len(recovered) > 0 {
				m.log.Info("regions recovered", zap.Strings("regions", recovered))
				m.RecoverAll(ctx)
			}
		case <-recovery.C:
			m.RecoverAll(ctx)
			if _, err := m.ReconcileIndex(ctx); err != nil {
				m.log.Warn("reconcile global index", zap.Error(err))
			}
		}
	}
}
