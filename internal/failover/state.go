package failover

import (
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
)

// State is a region's availability as seen by this process.
type State string

const (
	StateHealthy    State = "HEALTHY"
	StateUnhealthy  State = "UNHEALTHY"
	StateRecovering State = "RECOVERING"
)

// RegionHealth is the last known condition of a region.
type RegionHealth struct {
	Region        string    `json:"region"`
	State         State     `json:"state"`
	Healthy       bool      `json:"healthy"`
	LatencyMs     int64     `json:"latencyMs"`
	CheckedAt     time.Time `json:"checkedAt"`
	LastError     string    `json:"lastError,omitempty"`
	PendingWrites int64     `json:"pendingWriteCount"`
}

// Status says how a write was accepted.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusQueued    Status = "queued"
)

// Outcome of Write. Queued events carry no hash until replay.
type Outcome struct {
	Status Status
	Event  *eventdomain.AuditEvent
}

// ReplayReport summarizes one ProcessPendingWrites run.
type ReplayReport struct {
	Region     string        `json:"region"`
	Replayed   int           `json:"replayed"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Remaining  int64         `json:"remaining"`
	Errors     []ReplayError `json:"errors,omitempty"`
}

// ReplayError records the workspace whose queue stopped and why.
type ReplayError struct {
	WorkspaceID snowflake.ID `json:"workspaceId"`
	Error       string       `json:"error"`
}
