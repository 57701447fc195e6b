package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/chain"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/ratelimit"
)

const maxBatchSize = 100

var (
	ErrPayloadTooLarge = errors.New("payload_too_large")
	ErrBatchEmpty      = errors.New("batch_empty")
	ErrBatchTooLarge   = errors.New("batch_too_large")
)

// TenantContext is the authenticated caller.
type TenantContext struct {
	Credential apikeydomain.Credential
}

type Actor struct {
	ID    *string `json:"id,omitempty" validate:"omitempty,min=1,max=256"`
	Email *string `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Name  *string `json:"name,omitempty" validate:"omitempty,max=256"`
}

type IngestRequest struct {
	WorkspaceID snowflake.ID    `json:"-" validate:"required"`
	ProjectID   *string         `json:"projectId,omitempty" validate:"omitempty,min=1,max=128"`
	Action      string          `json:"action" validate:"required,max=128"`
	Category    string          `json:"category" validate:"required,max=64"`
	Actor       *Actor          `json:"actor,omitempty"`
	Target      json.RawMessage `json:"target,omitempty"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Changes     json.RawMessage `json:"changes,omitempty"`
}

type IngestResult struct {
	Event     *eventdomain.AuditEvent
	Status    failover.Status
	RateLimit ratelimit.Result
	Billing   *billingdomain.IncrementResult
}

// BatchItem is the outcome of one event of a batch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Index  int
	Result *IngestResult
	Err    error
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError is returned before any side effect when a request is
// malformed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", e.Fields[0].Message)
}

var validate = validator.New()

func (r IngestRequest) validate(maxBytes int) error {
	var fields []FieldError
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, fieldError(fe))
		}
	}

	docs := []struct {
		name string
		raw  json.RawMessage
	}{
		{"target", r.Target},
		{"payload", r.Payload},
		{"metadata", r.Metadata},
		{"changes", r.Changes},
	}
	size := 0
	for _, doc := range docs {
		size += len(doc.raw)
		if len(doc.raw) == 0 {
			continue
		}
		if !json.Valid(doc.raw) {
			fields = append(fields, FieldError{Field: doc.name, Code: "json", Message: doc.name + " must be valid JSON"})
			continue
		}
		// the document must also be hashable, or the write could never commit
		if _, err := chain.Canonicalize(doc.raw); err != nil {
			fields = append(fields, FieldError{Field: doc.name, Code: "unhashable", Message: doc.name + " cannot be hashed: " + strings.TrimPrefix(err.Error(), chain.ErrNotSerializable.Error()+": ")})
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	if maxBytes > 0 && size > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, size, maxBytes)
	}
	return nil
}

func fieldError(fe validator.FieldError) FieldError {
	name := jsonName(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return FieldError{Field: name, Code: "required", Message: name + " is required"}
	case "max":
		return FieldError{Field: name, Code: "max", Message: fmt.Sprintf("%s must be at most %s characters", name, fe.Param())}
	case "min":
		return FieldError{Field: name, Code: "min", Message: fmt.Sprintf("%s must be at least %s characters", name, fe.Param())}
	case "email":
		return FieldError{Field: name, Code: "email", Message: name + " must be a valid email"}
	default:
		return FieldError{Field: name, Code: fe.Tag(), Message: fmt.Sprintf("%s failed %s", name, fe.Tag())}
	}
}

var fieldNames = map[string]string{
	"IngestRequest.WorkspaceID": "workspaceId",
	"IngestRequest.ProjectID":   "projectId",
	"IngestRequest.Action":      "action",
	"IngestRequest.Category":    "category",
	"IngestRequest.Payload":     "payload",
	"IngestRequest.Actor.ID":    "actor.id",
	"IngestRequest.Actor.Email": "actor.email",
	"IngestRequest.Actor.Name":  "actor.name",
}

func jsonName(namespace string) string {
	if name, ok := fieldNames[namespace]; ok {
		return name
	}
	return namespace
}
