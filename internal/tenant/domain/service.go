package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreateCompany(ctx context.Context, req CreateCompanyRequest) (*Company, error)
	GetCompany(ctx context.Context, id snowflake.ID) (*Company, error)
	ListCompanies(ctx context.Context) ([]Company, error)
	CreateWorkspace(ctx context.Context, companyID snowflake.ID, req CreateWorkspaceRequest) (*Workspace, error)
	// GetWorkspace loads a workspace and checks that companyID owns it.
	GetWorkspace(ctx context.Context, companyID, workspaceID snowflake.ID) (*Workspace, error)
	ListWorkspaces(ctx context.Context, companyID snowflake.ID) ([]Workspace, error)
	SetWorkspaceRetention(ctx context.Context, companyID, workspaceID snowflake.ID, days *int) error
}

type CreateCompanyRequest struct {
	Name          string
	RetentionDays int
	DataRegion    string
	ReplicateTo   []string
}

type CreateWorkspaceRequest struct {
	Name          string
	RetentionDays *int
}

var (
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidRegion    = errors.New("invalid_region")
	ErrInvalidRetention = errors.New("invalid_retention")
	ErrCompanyNotFound  = errors.New("company_not_found")
	ErrNotFound         = errors.New("workspace_not_found")
	ErrForbidden        = errors.New("workspace_forbidden")
	ErrSlugTaken        = errors.New("slug_taken")
)
