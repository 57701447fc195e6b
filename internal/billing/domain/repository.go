package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Counter selects the usage column an increment applies to.
type Counter string

const (
	CounterEventsIngested Counter = "events_ingested"
	CounterEventsQueried  Counter = "events_queried"
)

type Repository interface {
	InsertMeter(ctx context.Context, db *gorm.DB, m *Meter) error
	FindActiveMeter(ctx context.Context, db *gorm.DB, companyID snowflake.ID, meterType string, at time.Time) (*Meter, error)
	// Increment adds amount to counter and returns the new value. It must be
	// a single atomic statement.
	Increment(ctx context.Context, db *gorm.DB, key UsageKey, counter Counter, amount int64, now time.Time) (int64, error)
	ListUsage(ctx context.Context, db *gorm.DB, companyID snowflake.ID, periodStart time.Time) ([]UsageStats, error)
}

type UsageKey struct {
	CompanyID   snowflake.ID
	WorkspaceID snowflake.ID
	PeriodStart time.Time
	PeriodEnd   time.Time
}
