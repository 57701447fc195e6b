// Package domain contains the tenant models: companies and their workspaces.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

const DefaultRetentionDays = 90

// Company is a tenant. DataRegion is fixed at creation.
type Company struct {
	ID            snowflake.ID   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name          string         `gorm:"type:text;not null" json:"name"`
	Slug          string         `gorm:"type:text;not null;uniqueIndex:ux_companies_slug" json:"slug"`
	RetentionDays int            `gorm:"column:retention_days;not null" json:"retentionDays"`
	DataRegion    string         `gorm:"column:data_region;type:text;not null" json:"dataRegion"`
	ReplicateTo   pq.StringArray `gorm:"column:replicate_to;type:text" json:"replicateTo"`
	CreatedAt     time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Company) TableName() string { return "companies" }

// Workspace is one audit chain owner. RetentionDays overrides the company's
// retention when set.
type Workspace struct {
	ID            snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CompanyID     snowflake.ID `gorm:"not null;uniqueIndex:ux_workspaces_company_slug,priority:1" json:"companyId"`
	Name          string       `gorm:"type:text;not null" json:"name"`
	Slug          string       `gorm:"type:text;not null;uniqueIndex:ux_workspaces_company_slug,priority:2" json:"slug"`
	RetentionDays *int         `gorm:"column:retention_days" json:"retentionDays,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Workspace) TableName() string { return "workspaces" }

// EffectiveRetentionDays picks the workspace override, else the company value.
func EffectiveRetentionDays(c *Company, w *Workspace) int {
	if w != nil && w.RetentionDays != nil && *w.RetentionDays > 0 {
		return *w.RetentionDays
	}
	if c != nil && c.RetentionDays > 0 {
		return c.RetentionDays
	}
	return DefaultRetentionDays
}
