package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	ScopeEventsWrite = "events:write"
	ScopeEventsRead  = "events:read"
	ScopeAdmin       = "admin"
)

var validScopes = map[string]struct{}{
	ScopeEventsWrite: {},
	ScopeEventsRead:  {},
	ScopeAdmin:       {},
}

func IsValidScope(scope string) bool {
	_, ok := validScopes[scope]
	return ok
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, companyID snowflake.ID, keyID string) (*APIKey, error)
	FindByHash(ctx context.Context, db *gorm.DB, hash string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]APIKey, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}

type Service interface {
	List(ctx context.Context, companyID snowflake.ID) ([]Response, error)
	Create(ctx context.Context, companyID snowflake.ID, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, companyID snowflake.ID, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, companyID snowflake.ID, keyID string) error
	Authenticate(ctx context.Context, raw string) (*Credential, error)
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidCompany = errors.New("invalid_company")
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidKeyID   = errors.New("invalid_key_id")
	ErrInvalidScope   = errors.New("invalid_scope")
	ErrNotFound       = errors.New("not_found")
	ErrUnauthorized   = errors.New("unauthorized")
)
