package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) InsertMeter(ctx context.Context, db *gorm.DB, m *billingdomain.Meter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_meters (id, company_id, meter_type, period_start, period_end, event_limit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.CompanyID,
		m.MeterType,
		m.PeriodStart,
		m.PeriodEnd,
		m.Limit,
		m.CreatedAt,
	).Error
}

func (r *repo) FindActiveMeter(ctx context.Context, db *gorm.DB, companyID snowflake.ID, meterType string, at time.Time) (*billingdomain.Meter, error) {
	var meter billingdomain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, company_id, meter_type, period_start, period_end, event_limit, created_at
		 FROM billing_meters
		 WHERE company_id = ? AND meter_type = ? AND period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		companyID,
		meterType,
		at,
		at,
	).Scan(&meter).Error
	if err != nil {
		return nil, err
	}
	if meter.ID == 0 {
		return nil, nil
	}
	return &meter, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, key billingdomain.UsageKey, counter billingdomain.Counter, amount int64, now time.Time) (int64, error) {
	var ingested, queried int64
	switch counter {
	case billingdomain.CounterEventsIngested:
		ingested = amount
	case billingdomain.CounterEventsQueried:
		queried = amount
	default:
		return 0, fmt.Errorf("unknown usage counter %q", counter)
	}

	col := string(counter)
	var total int64
	err := db.WithContext(ctx).Raw(
		`INSERT INTO usage_stats (company_id, workspace_id, period_start, period_end, events_ingested, events_queried, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_id, workspace_id, period_start)
		 DO UPDATE SET `+col+` = usage_stats.`+col+` + excluded.`+col+`, updated_at = excluded.updated_at
		 RETURNING `+col,
		key.CompanyID,
		key.WorkspaceID,
		key.PeriodStart,
		key.PeriodEnd,
		ingested,
		queried,
		now,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, companyID snowflake.ID, periodStart time.Time) ([]billingdomain.UsageStats, error) {
	var rows []billingdomain.UsageStats
	err := db.WithContext(ctx).Raw(
		`SELECT company_id, workspace_id, period_start, period_end, events_ingested, events_queried, updated_at
		 FROM usage_stats
		 WHERE company_id = ? AND period_start = ?
		 ORDER BY workspace_id ASC`,
		companyID,
		periodStart,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
