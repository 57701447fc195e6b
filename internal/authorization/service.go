package authorization

import (
	"context"
	"errors"

	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
)

// Service decides whether a credential may perform action on object.
type Service interface {
	Authorize(ctx context.Context, cred apikeydomain.Credential, object string, action string) error
}

var (
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidCompany = errors.New("invalid_company")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
	ErrForbidden      = errors.New("forbidden")
)
