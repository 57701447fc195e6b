package query

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/pkg/db/pagination"
)

type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeCompany   Scope = "company"
	ScopeGlobal    Scope = "global"
)

var (
	ErrInvalidScope     = errors.New("invalid_scope")
	ErrWorkspaceMissing = errors.New("workspace_required")
	ErrInvalidRange     = errors.New("invalid_time_range")
	ErrEventNotFound    = errors.New("event_not_found")
)

type Request struct {
	Scope       Scope
	WorkspaceID *snowflake.ID
	ProjectID   *string
	Action      string
	Category    string
	ActorID     string
	ActorEmail  string
	From        *time.Time
	To          *time.Time
	Page        pagination.Page
}

type Meta struct {
	Page                 int       `json:"page"`
	Limit                int       `json:"limit"`
	Total                int64     `json:"total"`
	RetentionApplied     bool      `json:"retentionApplied"`
	RetentionWindowStart time.Time `json:"retentionWindowStart"`
	// Partial is set when a region could not be read for a global query.
	Partial bool     `json:"partial,omitempty"`
	Missing []string `json:"missingRegions,omitempty"`
}

type Response struct {
	Data []eventdomain.AuditEvent `json:"data"`
	Meta Meta                     `json:"meta"`
}

// Verification is the result of recomputing a workspace chain.
type Verification struct {
	WorkspaceID snowflake.ID `json:"workspaceId"`
	Region      string       `json:"region"`
	Events      int          `json:"events"`
	Head        string       `json:"head,omitempty"`
	Valid       bool         `json:"valid"`
	BrokenAt    *int64       `json:"brokenAtSequence,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}
