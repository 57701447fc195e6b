package migration

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return conn
}

func TestRunAutoMigratesNonPostgres(t *testing.T) {
	conn := openSQLite(t)

	require.NoError(t, Run(conn, Global))
	require.NoError(t, Run(conn, Regional))
	// a second run is a no-op
	require.NoError(t, Run(conn, Global))

	for _, table := range []string{"companies", "workspaces", "api_keys", "billing_meters", "usage_stats", "pending_writes", "global_event_index", "index_backfill", "audit_events"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestRunRejectsNilHandle(t *testing.T) {
	assert.Error(t, Run(nil, Global))
}

func TestEmbeddedFilesAreOrdered(t *testing.T) {
	global, err := Files(Global)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"000001_tenants.up.sql",
		"000002_billing.up.sql",
		"000003_replication.up.sql",
		"000004_index_backfill.up.sql",
	}, global)

	regional, err := Files(Regional)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_audit_events.up.sql", "000002_append_only.up.sql"}, regional)
}
