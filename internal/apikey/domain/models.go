package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores hashed API credentials scoped to a company.
type APIKey struct {
	ID               snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	CompanyID        snowflake.ID   `gorm:"column:company_id;not null;uniqueIndex:ux_api_keys_company_key_id,priority:1"`
	KeyID            string         `gorm:"column:key_id;type:text;not null;uniqueIndex:ux_api_keys_company_key_id,priority:2"`
	Name             string         `gorm:"type:text;not null"`
	Scopes           pq.StringArray `gorm:"type:text;not null"`
	KeyHash          string         `gorm:"column:key_hash;type:text;not null;uniqueIndex"`
	IsActive         bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
	LastUsedAt       *time.Time     `gorm:"column:last_used_at"`
	ExpiresAt        *time.Time     `gorm:"column:expires_at"`
	RotatedFromKeyID *string        `gorm:"column:rotated_from_key_id;type:text"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// Credential is the authenticated identity attached to a request.
type Credential struct {
	ID        snowflake.ID
	KeyID     string
	CompanyID snowflake.ID
	Scopes    []string
}

func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Subject is the casbin subject for the credential.
func (c Credential) Subject() string {
	return "api_key:" + c.ID.String()
}
