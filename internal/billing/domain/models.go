package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const MeterTypeEvents = "events"

// Meter caps a company's event volume for one billing period.
type Meter struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	CompanyID   snowflake.ID `json:"companyId" gorm:"not null;uniqueIndex:ux_billing_meters_company_period,priority:1"`
	MeterType   string       `json:"meterType" gorm:"type:text;not null;uniqueIndex:ux_billing_meters_company_period,priority:2"`
	PeriodStart time.Time    `json:"periodStart" gorm:"not null;uniqueIndex:ux_billing_meters_company_period,priority:3"`
	PeriodEnd   time.Time    `json:"periodEnd" gorm:"not null"`
	Limit       int64        `json:"limit" gorm:"column:event_limit;not null"`
	CreatedAt   time.Time    `json:"createdAt" gorm:"not null"`
}

// TableName sets the database table name.
func (Meter) TableName() string { return "billing_meters" }

// UsageStats is a period aggregate. WorkspaceID 0 is the company-wide row.
type UsageStats struct {
	CompanyID      snowflake.ID `json:"companyId" gorm:"primaryKey;autoIncrement:false"`
	WorkspaceID    snowflake.ID `json:"workspaceId" gorm:"primaryKey;autoIncrement:false"`
	PeriodStart    time.Time    `json:"periodStart" gorm:"primaryKey"`
	PeriodEnd      time.Time    `json:"periodEnd" gorm:"not null"`
	EventsIngested int64        `json:"eventsIngested" gorm:"not null;default:0"`
	EventsQueried  int64        `json:"eventsQueried" gorm:"not null;default:0"`
	UpdatedAt      time.Time    `json:"updatedAt" gorm:"not null"`
}

// TableName sets the database table name.
func (UsageStats) TableName() string { return "usage_stats" }

// IncrementResult reports the company aggregate after an increment. The
// caller decides what a hard limit means for the request.
type IncrementResult struct {
	Meter              Meter
	Usage              int64
	SoftThreshold      int64
	SoftLimitTriggered bool
	HardLimitTriggered bool
}

// UsageSummary is the current-period view for operators.
type UsageSummary struct {
	Meter      *Meter
	Company    UsageStats
	Workspaces []UsageStats
}
