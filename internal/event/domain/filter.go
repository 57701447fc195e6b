package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/pkg/db/pagination"
)

// Filter narrows event listings. From is inclusive, To is exclusive.
type Filter struct {
	CompanyID   snowflake.ID
	WorkspaceID *snowflake.ID
	ProjectID   *string
	Action      string
	Category    string
	ActorID     string
	ActorEmail  string
	From        *time.Time
	To          *time.Time
}

// ListQuery is a filtered, paginated listing ordered by createdAt descending.
type ListQuery struct {
	Filter
	Page pagination.Page
}
