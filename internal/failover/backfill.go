package failover

import (
	"context"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BackfillRepository keeps committed events whose index entry is missing.
type BackfillRepository interface {
	Insert(ctx context.Context, row *eventdomain.IndexBackfill) error
	List(ctx context.Context, limit int) ([]eventdomain.IndexBackfill, error)
	Delete(ctx context.Context, eventID snowflake.ID) error
	RecordFailure(ctx context.Context, eventID snowflake.ID, reason string) error
	Count(ctx context.Context) (int64, error)
}

type backfillRepo struct {
	db *gorm.DB
}

func NewBackfillRepository(db *gorm.DB) BackfillRepository {
	return &backfillRepo{db: db}
}

func (r *backfillRepo) Insert(ctx context.Context, row *eventdomain.IndexBackfill) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(row).Error
}

func (r *backfillRepo) List(ctx context.Context, limit int) ([]eventdomain.IndexBackfill, error) {
	var rows []eventdomain.IndexBackfill
	err := r.db.WithContext(ctx).
		Order("failed_at ASC").
		Order("event_id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *backfillRepo) Delete(ctx context.Context, eventID snowflake.ID) error {
	return r.db.WithContext(ctx).Exec(`DELETE FROM index_backfill WHERE event_id = ?`, eventID).Error
}

func (r *backfillRepo) RecordFailure(ctx context.Context, eventID snowflake.ID, reason string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE index_backfill SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`,
		reason,
		eventID,
	).Error
}

func (r *backfillRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&eventdomain.IndexBackfill{}).Count(&n).Error
	return n, err
}

// recordIndex writes the index entry of a committed event. On failure the
// event is parked for ReconcileIndex.
func (m *Manager) recordIndex(ctx context.Context, e *eventdomain.AuditEvent) {
	err := m.index.Record(ctx, e)
	if err == nil {
		return
	}
	m.log.Warn("global index write failed, parking for backfill",
		zap.String("event_id", e.ID.String()),
		zap.String("region", e.Region),
		zap.Error(err),
	)

	payload, encErr := encodeEnvelope(e)
	if encErr != nil {
		m.log.Error("encode index backfill", zap.String("event_id", e.ID.String()), zap.Error(encErr))
		return
	}
	reason := err.Error()
	row := &eventdomain.IndexBackfill{
		EventID:   e.ID,
		Region:    e.Region,
		Payload:   payload,
		FailedAt:  m.clock.Now().UTC(),
		LastError: &reason,
	}
	if err := m.backfill.Insert(ctx, row); err != nil {
		m.log.Error("index backfill not recorded",
			zap.String("event_id", e.ID.String()),
			zap.String("region", e.Region),
			zap.Error(err),
		)
	}
}

// ReconcileIndex retries parked index writes, oldest first. It returns how
// many entries landed.
func (m *Manager) ReconcileIndex(ctx context.Context) (int, error) {
	rows, err := m.backfill.List(ctx, m.cfg.ReplayBatchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, row := range rows {
		e, err := decodeEnvelope(row.Payload)
		if err == nil {
			err = m.index.Record(ctx, e)
		}
		if err != nil {
			if recErr := m.backfill.RecordFailure(ctx, row.EventID, err.Error()); recErr != nil {
				m.log.Warn("record backfill failure", zap.String("event_id", row.EventID.String()), zap.Error(recErr))
			}
			continue
		}
		if err := m.backfill.Delete(ctx, row.EventID); err != nil {
			return done, err
		}
		done++
	}

	if done > 0 {
		m.log.Info("global index reconciled", zap.Int("entries", done), zap.Int("remaining_in_batch", len(rows)-done))
	}
	return done, nil
}

// IndexBacklog is the number of committed events still missing from the
// global index.
func (m *Manager) IndexBacklog(ctx context.Context) (int64, error) {
	return m.backfill.Count(ctx)
}
