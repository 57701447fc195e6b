// Package domain contains the audit event models shared by the regional
// stores, the pending-write queue and the global index.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditEvent is one link of a workspace chain. It lives in the regional
// store of the owning company.
type AuditEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CompanyID   snowflake.ID   `gorm:"not null;index" json:"companyId"`
	WorkspaceID snowflake.ID   `gorm:"not null;uniqueIndex:ux_audit_events_workspace_seq,priority:1;index:ix_audit_events_workspace_created,priority:1" json:"workspaceId"`
	Sequence    int64          `gorm:"not null;uniqueIndex:ux_audit_events_workspace_seq,priority:2" json:"sequence"`
	ProjectID   *string        `gorm:"type:text" json:"projectId,omitempty"`
	Action      string         `gorm:"type:text;not null" json:"action"`
	Category    string         `gorm:"type:text;not null" json:"category"`
	ActorID     *string        `gorm:"column:actor_id;type:text" json:"-"`
	ActorEmail  *string        `gorm:"column:actor_email;type:text" json:"-"`
	ActorName   *string        `gorm:"column:actor_name;type:text" json:"-"`
	Target      datatypes.JSON `json:"target,omitempty"`
	Payload     datatypes.JSON `json:"payload"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	Changes     datatypes.JSON `json:"changes,omitempty"`
	Hash        string         `gorm:"type:text;not null" json:"hash"`
	PrevHash    *string        `gorm:"type:text" json:"prevHash"`
	CreatedAt   time.Time      `gorm:"not null;index:ix_audit_events_workspace_created,priority:2" json:"createdAt"`
	Region      string         `gorm:"type:text;not null" json:"region"`

	Archived          bool `gorm:"not null;default:false" json:"archived"`
	ArchivalCandidate bool `gorm:"not null;default:false;index" json:"archivalCandidate"`
}

// TableName sets the database table name.
func (AuditEvent) TableName() string { return "audit_events" }

// Actor identifies who performed the action.
type Actor struct {
	ID    *string `json:"id,omitempty" cbor:"1,keyasint,omitempty"`
	Email *string `json:"email,omitempty" cbor:"2,keyasint,omitempty"`
	Name  *string `json:"name,omitempty" cbor:"3,keyasint,omitempty"`
}

func (e *AuditEvent) Actor() *Actor {
	if e.ActorID == nil && e.ActorEmail == nil && e.ActorName == nil {
		return nil
	}
	return &Actor{ID: e.ActorID, Email: e.ActorEmail, Name: e.ActorName}
}

func (e *AuditEvent) SetActor(a *Actor) {
	if a == nil {
		e.ActorID, e.ActorEmail, e.ActorName = nil, nil, nil
		return
	}
	e.ActorID, e.ActorEmail, e.ActorName = a.ID, a.Email, a.Name
}

// ChainInput is the logical content covered by the hash. Storage fields
// (id, sequence, hash, prevHash, region, archival flags) are excluded.
func (e *AuditEvent) ChainInput() map[string]any {
	in := map[string]any{
		"companyId":   e.CompanyID.String(),
		"workspaceId": e.WorkspaceID.String(),
		"action":      e.Action,
		"category":    e.Category,
		"actor":       e.Actor(),
		"payload":     rawOrNil(e.Payload),
		"target":      rawOrNil(e.Target),
		"metadata":    rawOrNil(e.Metadata),
		"changes":     rawOrNil(e.Changes),
		"createdAt":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ProjectID != nil {
		in["projectId"] = *e.ProjectID
	} else {
		in["projectId"] = nil
	}
	return in
}

func (e *AuditEvent) ChainHash() string { return e.Hash }

func (e *AuditEvent) ChainPrevHash() *string { return e.PrevHash }

func rawOrNil(v datatypes.JSON) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// PendingWrite is an event accepted while its region could not take the
// write. Rows live in the global database keyed by region and are removed
// one at a time as they replay.
type PendingWrite struct {
	ID          snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	CompanyID   snowflake.ID `gorm:"not null"`
	WorkspaceID snowflake.ID `gorm:"not null;index:ix_pending_writes_region_ws,priority:2"`
	Region      string       `gorm:"type:text;not null;index:ix_pending_writes_region_ws,priority:1;index:ix_pending_writes_region_queued,priority:1"`
	EventID     snowflake.ID `gorm:"not null;uniqueIndex"`
	Payload     []byte       `gorm:"not null"`
	QueuedAt    time.Time    `gorm:"not null;index:ix_pending_writes_region_queued,priority:2"`
	Attempts    int          `gorm:"not null;default:0"`
	LastError   *string      `gorm:"type:text"`
}

// TableName sets the database table name.
func (PendingWrite) TableName() string { return "pending_writes" }

// IndexBackfill holds a committed event whose global index entry could not
// be written. Rows are retried until the entry lands, then removed.
type IndexBackfill struct {
	EventID   snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Region    string       `gorm:"type:text;not null"`
	Payload   []byte       `gorm:"not null"`
	FailedAt  time.Time    `gorm:"not null;index:ix_index_backfill_failed_at"`
	Attempts  int          `gorm:"not null;default:0"`
	LastError *string      `gorm:"type:text"`
}

// TableName sets the database table name.
func (IndexBackfill) TableName() string { return "index_backfill" }

// IndexEntry is the global, cross-region projection of an event's metadata.
type IndexEntry struct {
	EventID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	CompanyID   snowflake.ID `gorm:"not null;index:ix_global_event_index_company_created,priority:1"`
	WorkspaceID snowflake.ID `gorm:"not null"`
	ProjectID   *string      `gorm:"type:text"`
	Region      string       `gorm:"type:text;not null"`
	Action      string       `gorm:"type:text;not null"`
	Category    string       `gorm:"type:text;not null"`
	ActorID     *string      `gorm:"type:text"`
	ActorEmail  *string      `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;index:ix_global_event_index_company_created,priority:2"`
}

// TableName sets the database table name.
func (IndexEntry) TableName() string { return "global_event_index" }

func NewIndexEntry(e *AuditEvent) IndexEntry {
	return IndexEntry{
		EventID:     e.ID,
		CompanyID:   e.CompanyID,
		WorkspaceID: e.WorkspaceID,
		ProjectID:   e.ProjectID,
		Region:      e.Region,
		Action:      e.Action,
		Category:    e.Category,
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
		CreatedAt:   e.CreatedAt,
	}
}
