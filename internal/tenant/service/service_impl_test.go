package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/smallbiznis/auditrail/internal/tenant/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.Company{}, &domain.Workspace{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	topology, err := config.NewStaticTopologyHolder(config.Topology{
		DefaultRegion: "us-east",
		Regions:       []config.RegionSpec{{Name: "us-east"}, {Name: "eu-west"}},
	})
	require.NoError(t, err)

	return NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:     repository.NewRepository(conn),
		Topology: topology,
	})
}

func TestCreateCompanyDefaultsRegionAndRetention(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCompany(ctx, domain.CreateCompanyRequest{Name: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", c.Slug)
	assert.Equal(t, "us-east", c.DataRegion)
	assert.Equal(t, domain.DefaultRetentionDays, c.RetentionDays)

	got, err := svc.GetCompany(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.DataRegion, got.DataRegion)
}

func TestCreateCompanyRejectsUnknownRegion(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateCompany(context.Background(), domain.CreateCompanyRequest{Name: "Acme", DataRegion: "ap-south"})
	assert.ErrorIs(t, err, domain.ErrInvalidRegion)

	_, err = svc.CreateCompany(context.Background(), domain.CreateCompanyRequest{Name: "Acme", ReplicateTo: []string{"mars"}})
	assert.ErrorIs(t, err, domain.ErrInvalidRegion)
}

func TestGetWorkspaceChecksOwnership(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	owner, err := svc.CreateCompany(ctx, domain.CreateCompanyRequest{Name: "Owner"})
	require.NoError(t, err)
	other, err := svc.CreateCompany(ctx, domain.CreateCompanyRequest{Name: "Other", DataRegion: "eu-west"})
	require.NoError(t, err)

	days := 7
	ws, err := svc.CreateWorkspace(ctx, owner.ID, domain.CreateWorkspaceRequest{Name: "Prod", RetentionDays: &days})
	require.NoError(t, err)

	got, err := svc.GetWorkspace(ctx, owner.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, domain.EffectiveRetentionDays(owner, got))

	_, err = svc.GetWorkspace(ctx, other.ID, ws.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.GetWorkspace(ctx, owner.ID, 12345)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEffectiveRetentionFallsBackToCompany(t *testing.T) {
	company := &domain.Company{RetentionDays: 30}
	assert.Equal(t, 30, domain.EffectiveRetentionDays(company, &domain.Workspace{}))
	assert.Equal(t, 30, domain.EffectiveRetentionDays(company, nil))

	seven := 7
	assert.Equal(t, 7, domain.EffectiveRetentionDays(company, &domain.Workspace{RetentionDays: &seven}))
}
