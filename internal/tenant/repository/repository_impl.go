package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/tenant/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) InsertCompany(ctx context.Context, c domain.Company) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO companies (id, name, slug, retention_days, data_region, replicate_to, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.Name,
		c.Slug,
		c.RetentionDays,
		c.DataRegion,
		c.ReplicateTo,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}

func (r *repository) FindCompany(ctx context.Context, id snowflake.ID) (*domain.Company, error) {
	var c domain.Company
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name, slug, retention_days, data_region, replicate_to, created_at, updated_at
		 FROM companies WHERE id = ?`,
		id,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repository) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	var items []domain.Company
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name, slug, retention_days, data_region, replicate_to, created_at, updated_at
		 FROM companies ORDER BY id ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO workspaces (id, company_id, name, slug, retention_days, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.CompanyID,
		w.Name,
		w.Slug,
		w.RetentionDays,
		w.CreatedAt,
		w.UpdatedAt,
	).Error
}

func (r *repository) FindWorkspace(ctx context.Context, id snowflake.ID) (*domain.Workspace, error) {
	var w domain.Workspace
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, company_id, name, slug, retention_days, created_at, updated_at
		 FROM workspaces WHERE id = ?`,
		id,
	).Scan(&w).Error
	if err != nil {
		return nil, err
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}

func (r *repository) ListWorkspaces(ctx context.Context, companyID snowflake.ID) ([]domain.Workspace, error) {
	var items []domain.Workspace
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, company_id, name, slug, retention_days, created_at, updated_at
		 FROM workspaces WHERE company_id = ? ORDER BY created_at ASC`,
		companyID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) UpdateWorkspaceRetention(ctx context.Context, id snowflake.ID, days *int) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE workspaces SET retention_days = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		days,
		id,
	).Error
}
