package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/auditrail/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 0.8, cfg.Billing.SoftLimitRatio)
	assert.Equal(t, 402, cfg.Billing.HardLimitStatus)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 3*time.Second, cfg.Failover.StoreCallTimeout)
	assert.Equal(t, int64(1), cfg.NodeID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "1500")
	t.Setenv("BILLING_HARD_LIMIT_STATUS", "429")
	t.Setenv("REGION_STORE_TIMEOUT", "250ms")
	t.Setenv("SNOWFLAKE_NODE_ID", "7")

	cfg := Load()

	assert.Equal(t, 1500*time.Millisecond, cfg.RateLimit.Window)
	assert.Equal(t, 429, cfg.Billing.HardLimitStatus)
	assert.Equal(t, 250*time.Millisecond, cfg.Failover.StoreCallTimeout)
	assert.Equal(t, int64(7), cfg.NodeID)
}

func TestTopologyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regions.yml")
	body := `
defaultRegion: eu-west
regions:
  - name: eu-west
    database:
      type: sqlite-pure
      dsn: "file:eu?mode=memory&cache=shared"
  - name: us-east
    database:
      type: sqlite-pure
      dsn: "file:us?mode=memory&cache=shared"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	holder, err := NewTopologyHolder(Config{RegionsFile: path, DefaultRegion: "us-east"}, zap.NewNop())
	require.NoError(t, err)

	topology := holder.Get()
	assert.Equal(t, "eu-west", topology.DefaultRegion)
	assert.Equal(t, []string{"eu-west", "us-east"}, topology.Names())

	spec, ok := topology.Lookup("us-east")
	require.True(t, ok)
	assert.Equal(t, "sqlite-pure", spec.Database.Type)
}

func TestTopologyValidation(t *testing.T) {
	_, err := NewStaticTopologyHolder(Topology{DefaultRegion: "x"})
	assert.Error(t, err)

	_, err = NewStaticTopologyHolder(Topology{
		DefaultRegion: "missing",
		Regions:       []RegionSpec{{Name: "a", Database: db.Config{}}},
	})
	assert.Error(t, err)
}

func TestTopologyStoreNotifiesListeners(t *testing.T) {
	holder, err := NewStaticTopologyHolder(Topology{
		DefaultRegion: "a",
		Regions:       []RegionSpec{{Name: "a"}},
	})
	require.NoError(t, err)

	var seen []string
	holder.OnChange(func(t Topology) { seen = append(seen, t.DefaultRegion) })
	holder.Store(Topology{DefaultRegion: "b", Regions: []RegionSpec{{Name: "b"}}})

	assert.Equal(t, []string{"b"}, seen)
	assert.Equal(t, "b", holder.Get().DefaultRegion)
}
