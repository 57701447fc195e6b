package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxRetentionDays = 3650

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Topology *config.TopologyHolder
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	clock    clock.Clock
	topology *config.TopologyHolder
}

func NewService(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("tenant.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		clock:    p.Clock,
		topology: p.Topology,
	}
}

func (s *service) CreateCompany(ctx context.Context, req domain.CreateCompanyRequest) (*domain.Company, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	retention := req.RetentionDays
	if retention == 0 {
		retention = domain.DefaultRetentionDays
	}
	if retention < 0 || retention > maxRetentionDays {
		return nil, domain.ErrInvalidRetention
	}

	topology := s.topology.Get()
	region := strings.TrimSpace(req.DataRegion)
	if region == "" {
		region = topology.DefaultRegion
	}
	if _, ok := topology.Lookup(region); !ok {
		return nil, domain.ErrInvalidRegion
	}

	replicas := make([]string, 0, len(req.ReplicateTo))
	for _, r := range req.ReplicateTo {
		r = strings.TrimSpace(r)
		if r == "" || r == region {
			continue
		}
		if _, ok := topology.Lookup(r); !ok {
			return nil, domain.ErrInvalidRegion
		}
		replicas = append(replicas, r)
	}

	now := s.clock.Now()
	company := domain.Company{
		ID:            s.genID.Generate(),
		Name:          name,
		Slug:          slug.Make(name),
		RetentionDays: retention,
		DataRegion:    region,
		ReplicateTo:   replicas,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertCompany(ctx, company); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}

	s.log.Info("company created",
		zap.String("company_id", company.ID.String()),
		zap.String("data_region", region),
	)
	return &company, nil
}

func (s *service) GetCompany(ctx context.Context, id snowflake.ID) (*domain.Company, error) {
	if id == 0 {
		return nil, domain.ErrCompanyNotFound
	}
	c, err := s.repo.FindCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCompanyNotFound
	}
	return c, nil
}

func (s *service) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	return s.repo.ListCompanies(ctx)
}

func (s *service) CreateWorkspace(ctx context.Context, companyID snowflake.ID, req domain.CreateWorkspaceRequest) (*domain.Workspace, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if err := validateRetention(req.RetentionDays); err != nil {
		return nil, err
	}

	var ws domain.Workspace
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		company, err := repo.FindCompany(ctx, companyID)
		if err != nil {
			return err
		}
		if company == nil {
			return domain.ErrCompanyNotFound
		}

		now := s.clock.Now()
		ws = domain.Workspace{
			ID:            s.genID.Generate(),
			CompanyID:     companyID,
			Name:          name,
			Slug:          slug.Make(name),
			RetentionDays: req.RetentionDays,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return repo.InsertWorkspace(ctx, ws)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}
	return &ws, nil
}

func (s *service) GetWorkspace(ctx context.Context, companyID, workspaceID snowflake.ID) (*domain.Workspace, error) {
	if workspaceID == 0 {
		return nil, domain.ErrNotFound
	}
	ws, err := s.repo.FindWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, domain.ErrNotFound
	}
	if ws.CompanyID != companyID {
		return nil, domain.ErrForbidden
	}
	return ws, nil
}

func (s *service) ListWorkspaces(ctx context.Context, companyID snowflake.ID) ([]domain.Workspace, error) {
	return s.repo.ListWorkspaces(ctx, companyID)
}

func (s *service) SetWorkspaceRetention(ctx context.Context, companyID, workspaceID snowflake.ID, days *int) error {
	if err := validateRetention(days); err != nil {
		return err
	}
	if _, err := s.GetWorkspace(ctx, companyID, workspaceID); err != nil {
		return err
	}
	return s.repo.UpdateWorkspaceRetention(ctx, workspaceID, days)
}

func validateRetention(days *int) error {
	if days == nil {
		return nil
	}
	if *days <= 0 || *days > maxRetentionDays {
		return domain.ErrInvalidRetention
	}
	return nil
}
