package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Envelope is the binary form of an event held in a pending write. It keeps
// every field the hash covers so replay reproduces the synchronous chain.
type Envelope struct {
	ID          int64     `cbor:"1,keyasint"`
	CompanyID   int64     `cbor:"2,keyasint"`
	WorkspaceID int64     `cbor:"3,keyasint"`
	ProjectID   *string   `cbor:"4,keyasint,omitempty"`
	Action      string    `cbor:"5,keyasint"`
	Category    string    `cbor:"6,keyasint"`
	Actor       *Actor    `cbor:"7,keyasint,omitempty"`
	Target      []byte    `cbor:"8,keyasint,omitempty"`
	Payload     []byte    `cbor:"9,keyasint,omitempty"`
	Metadata    []byte    `cbor:"10,keyasint,omitempty"`
	Changes     []byte    `cbor:"11,keyasint,omitempty"`
	CreatedAt   time.Time `cbor:"12,keyasint"`
	Region      string    `cbor:"13,keyasint"`
}

func EnvelopeFrom(e *AuditEvent) Envelope {
	return Envelope{
		ID:          int64(e.ID),
		CompanyID:   int64(e.CompanyID),
		WorkspaceID: int64(e.WorkspaceID),
		ProjectID:   e.ProjectID,
		Action:      e.Action,
		Category:    e.Category,
		Actor:       e.Actor(),
		Target:      e.Target,
		Payload:     e.Payload,
		Metadata:    e.Metadata,
		Changes:     e.Changes,
		CreatedAt:   e.CreatedAt.UTC(),
		Region:      e.Region,
	}
}

// Event rebuilds an unchained event from the envelope.
func (env Envelope) Event() *AuditEvent {
	e := &AuditEvent{
		ID:          snowflake.ID(env.ID),
		CompanyID:   snowflake.ID(env.CompanyID),
		WorkspaceID: snowflake.ID(env.WorkspaceID),
		ProjectID:   env.ProjectID,
		Action:      env.Action,
		Category:    env.Category,
		Target:      datatypes.JSON(env.Target),
		Payload:     datatypes.JSON(env.Payload),
		Metadata:    datatypes.JSON(env.Metadata),
		Changes:     datatypes.JSON(env.Changes),
		CreatedAt:   env.CreatedAt.UTC(),
		Region:      env.Region,
	}
	e.SetActor(env.Actor)
	return e
}
