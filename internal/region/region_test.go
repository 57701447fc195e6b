package region

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/regionstore/regionstoretest"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCompanies struct {
	mu        sync.Mutex
	companies map[snowflake.ID]*tenantdomain.Company
	calls     int
}

func (s *stubCompanies) GetCompany(_ context.Context, id snowflake.ID) (*tenantdomain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	c, ok := s.companies[id]
	if !ok {
		return nil, tenantdomain.ErrCompanyNotFound
	}
	copied := *c
	return &copied, nil
}

func TestDirectoryResolveCachesUntilInvalidate(t *testing.T) {
	companies := &stubCompanies{companies: map[snowflake.ID]*tenantdomain.Company{
		1: {ID: 1, DataRegion: "eu-west", ReplicateTo: []string{"us-east", "mars"}},
	}}
	topology := regionstoretest.Topology(t, "us-east", "eu-west")
	dir := NewDirectory(companies, topology, zap.NewNop())
	ctx := context.Background()

	home, err := dir.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", home)

	_, err = dir.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, companies.calls)

	companies.mu.Lock()
	companies.companies[1].DataRegion = "us-east"
	companies.mu.Unlock()

	region, err := dir.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", region)

	dir.Invalidate()
	region, err = dir.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "us-east", region)
}

func TestDirectoryFallsBackToDefault(t *testing.T) {
	companies := &stubCompanies{companies: map[snowflake.ID]*tenantdomain.Company{
		2: {ID: 2, DataRegion: "ap-south"},
	}}
	dir := NewDirectory(companies, regionstoretest.Topology(t, "us-east"), zap.NewNop())

	region, err := dir.Resolve(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "us-east", region)

	region, err = dir.Resolve(context.Background(), 404)
	require.NoError(t, err)
	assert.Equal(t, "us-east", region)
}

func TestDirectoryInvalidatesOnTopologyReload(t *testing.T) {
	companies := &stubCompanies{companies: map[snowflake.ID]*tenantdomain.Company{
		1: {ID: 1, DataRegion: "eu-west"},
	}}
	topology := regionstoretest.Topology(t, "us-east")
	dir := NewDirectory(companies, topology, zap.NewNop())

	region, err := dir.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "us-east", region)

	topology.Store(config.Topology{
		DefaultRegion: "us-east",
		Regions:       []config.RegionSpec{{Name: "us-east"}, {Name: "eu-west"}},
	})
	region, err = dir.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", region)
}

func TestPoolReturnsIdenticalHandle(t *testing.T) {
	us := regionstoretest.New(t, "us-east")
	opener := regionstoretest.NewOpener(us)
	pool := NewPool(opener, regionstoretest.Topology(t, "us-east"), zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Get(ctx, "us-east")
			assert.NoError(t, err)
			assert.Same(t, us, s)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), opener.Opens())

	_, err := pool.Get(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrUnknownRegion)

	require.NoError(t, pool.CloseAll())
	_, err = pool.Get(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, int64(2), opener.Opens())
}

func TestPoolClosesRemovedRegions(t *testing.T) {
	us := regionstoretest.New(t, "us-east")
	eu := regionstoretest.New(t, "eu-west")
	opener := regionstoretest.NewOpener(us, eu)
	topology := regionstoretest.Topology(t, "us-east", "eu-west")
	pool := NewPool(opener, topology, zap.NewNop())
	ctx := context.Background()

	_, err := pool.Get(ctx, "eu-west")
	require.NoError(t, err)

	topology.Store(config.Topology{DefaultRegion: "us-east", Regions: []config.RegionSpec{{Name: "us-east"}}})
	_, err = pool.Get(ctx, "eu-west")
	assert.ErrorIs(t, err, ErrUnknownRegion)
	assert.Equal(t, []string{"us-east"}, pool.Regions())
}
