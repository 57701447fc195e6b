package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertCompany(ctx context.Context, c Company) error
	FindCompany(ctx context.Context, id snowflake.ID) (*Company, error)
	ListCompanies(ctx context.Context) ([]Company, error)
	InsertWorkspace(ctx context.Context, w Workspace) error
	FindWorkspace(ctx context.Context, id snowflake.ID) (*Workspace, error)
	ListWorkspaces(ctx context.Context, companyID snowflake.ID) ([]Workspace, error)
	UpdateWorkspaceRetention(ctx context.Context, id snowflake.ID, days *int) error
}
