package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"github.com/smallbiznis/auditrail/internal/authorization"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/chain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/query"
	"github.com/smallbiznis/auditrail/internal/ratelimit"
	"github.com/smallbiznis/auditrail/internal/region"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware renders the last handler error as JSON.
// hardLimitStatus is the deployment-chosen status for billing rejections.
func ErrorHandlingMiddleware(hardLimitStatus int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var rl *ratelimit.ExceededError
		if errors.As(lastErr.Err, &rl) {
			setRateLimitHeaders(c, rl.Result)
			retry := rl.RetryAfter(time.Now())
			c.Header("Retry-After", strconv.FormatInt(int64((retry+time.Second-1)/time.Second), 10))
		}

		status, payload := mapError(lastErr.Err, hardLimitStatus)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func setRateLimitHeaders(c *gin.Context, r ratelimit.Result) {
	if r.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}

func mapError(err error, hardLimitStatus int) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var ingestErr *ingest.ValidationError
	if errors.As(err, &ingestErr) {
		fields := make([]ValidationError, 0, len(ingestErr.Fields))
		for _, f := range ingestErr.Fields {
			fields = append(fields, ValidationError{Field: f.Field, Code: f.Code, Message: f.Message})
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  fields,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		if errors.Is(err, ErrInvalidRequest) {
			code = "invalid_request"
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: validationErrorMessage(err),
				},
			},
		}
	}

	var rl *ratelimit.ExceededError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    rl.Code(),
			Message: "rate limit exceeded",
		}
	}

	switch {
	case errors.Is(err, billingdomain.ErrHardLimitExceeded):
		if hardLimitStatus < 400 || hardLimitStatus > 599 {
			hardLimitStatus = http.StatusPaymentRequired
		}
		return hardLimitStatus, errorPayload{
			Type:    "billing_limit_exceeded",
			Message: "event limit for the current period reached",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, tenantdomain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, tenantdomain.ErrSlugTaken),
		errors.Is(err, failover.ErrReplayInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, billingdomain.ErrMeterNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrs = map[error]string{
	ErrInvalidRequest:                "request",
	ingest.ErrPayloadTooLarge:        "payload",
	chain.ErrNotSerializable:         "payload",
	ingest.ErrBatchEmpty:             "events",
	ingest.ErrBatchTooLarge:          "events",
	query.ErrInvalidScope:            "scope",
	query.ErrWorkspaceMissing:        "workspaceId",
	query.ErrInvalidRange:            "to",
	tenantdomain.ErrInvalidName:      "name",
	tenantdomain.ErrInvalidRegion:    "dataRegion",
	tenantdomain.ErrInvalidRetention: "retentionDays",
	apikeydomain.ErrInvalidName:      "name",
	apikeydomain.ErrInvalidScope:     "scopes",
	apikeydomain.ErrInvalidKeyID:     "key_id",
	billingdomain.ErrInvalidLimit:    "limit",
	region.ErrUnknownRegion:          "region",
}

func validationSentinel(err error) error {
	for sentinel := range validationErrs {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isValidationError(err error) bool {
	return validationSentinel(err) != nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, query.ErrEventNotFound),
		errors.Is(err, tenantdomain.ErrNotFound),
		errors.Is(err, tenantdomain.ErrCompanyNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(err error) string {
	if sentinel := validationSentinel(err); sentinel != nil {
		return validationErrs[sentinel]
	}
	return ""
}

func validationErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid request"
	case errors.Is(err, ingest.ErrPayloadTooLarge):
		return "payload exceeds the size limit"
	case errors.Is(err, query.ErrWorkspaceMissing):
		return "workspaceId is required for workspace scope"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog maps a handler error to (error_type, error_code) for
// request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err, http.StatusPaymentRequired)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "internal_error", code
	}
	return payload.Type, code
}
