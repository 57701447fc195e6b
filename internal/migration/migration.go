// Package migration applies the global and regional schemas. Postgres
// databases run the embedded SQL through golang-migrate; the other dialects
// fall back to gorm AutoMigrate.
package migration

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"gorm.io/gorm"
)

//go:embed sql/global/*.sql sql/regional/*.sql
var embeddedMigrations embed.FS

// Schema is one independently versioned migration set.
type Schema struct {
	Name   string
	Dir    string
	Table  string
	Models []any
}

var (
	Global = Schema{
		Name:  "global",
		Dir:   "sql/global",
		Table: "schema_migrations_global",
		Models: []any{
			&tenantdomain.Company{},
			&tenantdomain.Workspace{},
			&apikeydomain.APIKey{},
			&billingdomain.Meter{},
			&billingdomain.UsageStats{},
			&eventdomain.PendingWrite{},
			&eventdomain.IndexEntry{},
			&eventdomain.IndexBackfill{},
		},
	}
	Regional = Schema{
		Name:   "regional",
		Dir:    "sql/regional",
		Table:  "schema_migrations_regional",
		Models: []any{&eventdomain.AuditEvent{}},
	}
)

// Run brings conn up to date with schema.
func Run(conn *gorm.DB, schema Schema) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() != "postgres" {
		if err := conn.AutoMigrate(schema.Models...); err != nil {
			return fmt.Errorf("auto migrate %s: %w", schema.Name, err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	sub, err := fs.Sub(embeddedMigrations, schema.Dir)
	if err != nil {
		return fmt.Errorf("open %s migrations: %w", schema.Name, err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: schema.Table})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply %s migrations: %w", schema.Name, upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Files lists the embedded migration files of schema, in apply order.
func Files(schema Schema) ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, schema.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
