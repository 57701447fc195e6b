package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"github.com/smallbiznis/auditrail/internal/ingest"
	obscontext "github.com/smallbiznis/auditrail/internal/observability/context"
)

const (
	HeaderAPIKey        = "X-API-Key"
	HeaderInternalToken = "X-Internal-Token"

	contextCredentialKey = "credential"
)

// APIKeyRequired authenticates requests using an API key only. Company
// identity comes from the key record, never from the request.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		}
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		cred, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		ctx = obscontext.WithCompanyID(ctx, cred.CompanyID.String())
		ctx = obscontext.WithCredentialID(ctx, cred.ID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextCredentialKey, *cred)
		c.Next()
	}
}

// InternalTokenRequired guards operator endpoints. An empty configured
// token disables them.
func (s *Server) InternalTokenRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.InternalToken))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrNotFound)
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.GetHeader(HeaderInternalToken))
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func tenantContext(c *gin.Context) (ingest.TenantContext, bool) {
	v, ok := c.Get(contextCredentialKey)
	if !ok {
		return ingest.TenantContext{}, false
	}
	cred, ok := v.(apikeydomain.Credential)
	if !ok || cred.ID == 0 {
		return ingest.TenantContext{}, false
	}
	return ingest.TenantContext{Credential: cred}, true
}
