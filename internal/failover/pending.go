package failover

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"gorm.io/gorm"
)

// PendingRepository persists queued writes in the global database so they
// survive the outage of their own region.
type PendingRepository interface {
	Insert(ctx context.Context, pw *eventdomain.PendingWrite) error
	HasPending(ctx context.Context, region string, workspaceID snowflake.ID) (bool, error)
	LastQueuedAt(ctx context.Context, region string, workspaceID snowflake.ID) (*time.Time, error)
	Next(ctx context.Context, region string, workspaceID snowflake.ID) (*eventdomain.PendingWrite, error)
	Workspaces(ctx context.Context, region string) ([]snowflake.ID, error)
	Delete(ctx context.Context, id snowflake.ID) error
	RecordFailure(ctx context.Context, id snowflake.ID, reason string) error
	CountByRegion(ctx context.Context) (map[string]int64, error)
}

type pendingRepo struct {
	db *gorm.DB
}

func NewPendingRepository(db *gorm.DB) PendingRepository {
	return &pendingRepo{db: db}
}

func (r *pendingRepo) Insert(ctx context.Context, pw *eventdomain.PendingWrite) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO pending_writes (id, company_id, workspace_id, region, event_id, payload, queued_at, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pw.ID,
		pw.CompanyID,
		pw.WorkspaceID,
		pw.Region,
		pw.EventID,
		pw.Payload,
		pw.QueuedAt,
		pw.Attempts,
		pw.LastError,
	).Error
}

func (r *pendingRepo) HasPending(ctx context.Context, region string, workspaceID snowflake.ID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM pending_writes WHERE region = ? AND workspace_id = ?`,
		region,
		workspaceID,
	).Scan(&n).Error
	return n > 0, err
}

func (r *pendingRepo) LastQueuedAt(ctx context.Context, region string, workspaceID snowflake.ID) (*time.Time, error) {
	var rows []eventdomain.PendingWrite
	err := r.db.WithContext(ctx).
		Where("region = ? AND workspace_id = ?", region, workspaceID).
		Order("queued_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0].QueuedAt, nil
}

func (r *pendingRepo) Next(ctx context.Context, region string, workspaceID snowflake.ID) (*eventdomain.PendingWrite, error) {
	var rows []eventdomain.PendingWrite
	err := r.db.WithContext(ctx).
		Where("region = ? AND workspace_id = ?", region, workspaceID).
		Order("queued_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Workspaces lists workspaces with queued rows, oldest queue first.
func (r *pendingRepo) Workspaces(ctx context.Context, region string) ([]snowflake.ID, error) {
	var rows []struct {
		WorkspaceID snowflake.ID
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT workspace_id FROM pending_writes
		 WHERE region = ?
		 GROUP BY workspace_id
		 ORDER BY MIN(queued_at) ASC`,
		region,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.WorkspaceID)
	}
	return out, nil
}

func (r *pendingRepo) Delete(ctx context.Context, id snowflake.ID) error {
	return r.db.WithContext(ctx).Exec(`DELETE FROM pending_writes WHERE id = ?`, id).Error
}

func (r *pendingRepo) RecordFailure(ctx context.Context, id snowflake.ID, reason string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE pending_writes SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		reason,
		id,
	).Error
}

func (r *pendingRepo) CountByRegion(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Region string
		Count  int64
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT region, COUNT(1) AS count FROM pending_writes GROUP BY region`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Region] = row.Count
	}
	return out, nil
}
