package regionstore

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/pkg/db"
	"github.com/smallbiznis/auditrail/pkg/db/pagination"
	"gorm.io/gorm"
)

const defaultCallTimeout = 3 * time.Second

type gormStore struct {
	name    string
	db      *gorm.DB
	timeout time.Duration
}

// NewGormStore wraps an open connection as a region store.
func NewGormStore(name string, conn *gorm.DB, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &gormStore{name: name, db: conn, timeout: timeout}
}

func (s *gormStore) Name() string { return s.name }

func (s *gormStore) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *gormStore) Ping(ctx context.Context) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) Append(ctx context.Context, e *eventdomain.AuditEvent) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO audit_events (id, company_id, workspace_id, sequence, project_id, action, category,
		   actor_id, actor_email, actor_name, target, payload, metadata, changes,
		   hash, prev_hash, created_at, region, archived, archival_candidate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.CompanyID,
		e.WorkspaceID,
		e.Sequence,
		e.ProjectID,
		e.Action,
		e.Category,
		e.ActorID,
		e.ActorEmail,
		e.ActorName,
		e.Target,
		e.Payload,
		e.Metadata,
		e.Changes,
		e.Hash,
		e.PrevHash,
		e.CreatedAt,
		e.Region,
		e.Archived,
		e.ArchivalCandidate,
	).Error
}

func (s *gormStore) Tail(ctx context.Context, workspaceID snowflake.ID) (*eventdomain.AuditEvent, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	var rows []eventdomain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("sequence DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *gormStore) Exists(ctx context.Context, eventID snowflake.ID) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	var count int64
	err := s.db.WithContext(ctx).Model(&eventdomain.AuditEvent{}).Where("id = ?", eventID).Count(&count).Error
	return count > 0, err
}

func (s *gormStore) Get(ctx context.Context, companyID, eventID snowflake.ID) (*eventdomain.AuditEvent, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	var e eventdomain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", eventID, companyID).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *gormStore) GetMany(ctx context.Context, ids []snowflake.ID) ([]eventdomain.AuditEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	var rows []eventdomain.AuditEvent
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

func (s *gormStore) List(ctx context.Context, q eventdomain.ListQuery) ([]eventdomain.AuditEvent, int64, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	base := ApplyFilter(s.db.WithContext(ctx).Model(&eventdomain.AuditEvent{}), q.Filter)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := q.Page.Normalize()
	var rows []eventdomain.AuditEvent
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("id DESC").
		Limit(page.Limit).
		Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (s *gormStore) Chain(ctx context.Context, workspaceID snowflake.ID, afterSeq int64, limit int) ([]eventdomain.AuditEvent, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	var rows []eventdomain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND sequence > ?", workspaceID, afterSeq).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *gormStore) MarkArchivalCandidates(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, before time.Time) (int64, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	tx := s.db.WithContext(ctx).Model(&eventdomain.AuditEvent{}).
		Where("company_id = ? AND created_at < ? AND archived = ? AND archival_candidate = ?", companyID, before, false, false)
	if workspaceID != nil {
		tx = tx.Where("workspace_id = ?", *workspaceID)
	}
	res := tx.Update("archival_candidate", true)
	return res.RowsAffected, res.Error
}

func (s *gormStore) ListArchivalCandidates(ctx context.Context, limit int) ([]eventdomain.AuditEvent, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	var rows []eventdomain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("archival_candidate = ? AND archived = ?", true, false).
		Order("workspace_id ASC").
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *gormStore) MarkArchived(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Model(&eventdomain.AuditEvent{}).
		Where("id IN ? AND archival_candidate = ?", ids, true).
		Update("archived", true).Error
}

func (s *gormStore) Close() error {
	return db.Close(s.db)
}

// ApplyFilter adds the listing predicates shared by the regional tables and
// the global index. Both carry the same metadata column names.
func ApplyFilter(tx *gorm.DB, f eventdomain.Filter) *gorm.DB {
	tx = tx.Where("company_id = ?", f.CompanyID)
	if f.WorkspaceID != nil {
		tx = tx.Where("workspace_id = ?", *f.WorkspaceID)
	}
	if f.ProjectID != nil {
		tx = tx.Where("project_id = ?", *f.ProjectID)
	}
	if f.Action != "" {
		tx = tx.Where("action = ?", f.Action)
	}
	if f.Category != "" {
		tx = tx.Where("category = ?", f.Category)
	}
	if f.ActorID != "" {
		tx = tx.Where("actor_id = ?", f.ActorID)
	}
	if f.ActorEmail != "" {
		tx = tx.Where("actor_email = ?", f.ActorEmail)
	}
	if f.From != nil {
		tx = tx.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		tx = tx.Where("created_at < ?", *f.To)
	}
	return tx
}
