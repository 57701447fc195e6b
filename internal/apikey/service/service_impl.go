package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"github.com/smallbiznis/auditrail/internal/cache"
	"github.com/smallbiznis/auditrail/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyRotationGracePeriod = 24 * time.Hour
	credentialCacheTTL        = 30 * time.Second
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  apikeydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
	clock clock.Clock

	// keyed by key hash
	credentials cache.Cache[string, cachedKey]
}

type cachedKey struct {
	cred      apikeydomain.Credential
	expiresAt *time.Time
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("apikey.service"),
		repo:        p.Repo,
		genID:       p.GenID,
		clock:       p.Clock,
		credentials: cache.NewTTLCacheWithClock[string, cachedKey](p.Clock.Now),
	}
}

func (s *Service) List(ctx context.Context, companyID snowflake.ID) ([]apikeydomain.Response, error) {
	if companyID == 0 {
		return nil, apikeydomain.ErrInvalidCompany
	}

	items, err := s.repo.List(ctx, s.db, companyID)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, s.toResponse(&items[i]))
	}

	return resp, nil
}

func (s *Service) Create(ctx context.Context, companyID snowflake.ID, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	if companyID == 0 {
		return nil, apikeydomain.ErrInvalidCompany
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}

	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	keyID := apikeydomain.NewKeyID(id)
	plain, hash, err := apikeydomain.GenerateSecret(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		CompanyID: companyID,
		KeyID:     keyID,
		Name:      name,
		Scopes:    scopes,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

func (s *Service) Rotate(ctx context.Context, companyID snowflake.ID, keyID string) (*apikeydomain.SecretResponse, error) {
	if companyID == 0 {
		return nil, apikeydomain.ErrInvalidCompany
	}

	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, companyID, trimmed)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt, now) {
			return apikeydomain.ErrNotFound
		}

		current.ExpiresAt = ptrTime(now.Add(apiKeyRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := apikeydomain.NewKeyID(id)
		plain, hash, err := apikeydomain.GenerateSecret(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &apikeydomain.APIKey{
			ID:               id,
			CompanyID:        companyID,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Scopes:           current.Scopes,
			KeyHash:          hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}

		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		s.credentials.Delete(current.KeyHash)
		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) Revoke(ctx context.Context, companyID snowflake.ID, keyID string) error {
	if companyID == 0 {
		return apikeydomain.ErrInvalidCompany
	}

	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, companyID, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	now := s.clock.Now()
	key.IsActive = false
	key.UpdatedAt = now
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		key.ExpiresAt = &now
	}
	s.credentials.Delete(key.KeyHash)
	return s.repo.Update(ctx, s.db, key)
}

// Authenticate resolves a raw API key to its credential. Lookups are cached
// briefly; revocation through this service evicts the entry.
func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.Credential, error) {
	raw = strings.TrimSpace(raw)
	if !apikeydomain.WellFormed(raw) {
		return nil, apikeydomain.ErrUnauthorized
	}

	hash := apikeydomain.HashAPIKey(raw)
	now := s.clock.Now()
	if hit, ok := s.credentials.Get(hash); ok {
		if isExpired(hit.expiresAt, now) {
			s.credentials.Delete(hash)
			return nil, apikeydomain.ErrUnauthorized
		}
		cred := hit.cred
		return &cred, nil
	}

	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive || isExpired(key.ExpiresAt, now) {
		return nil, apikeydomain.ErrUnauthorized
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, key.ID, now); err != nil {
		s.log.Warn("touch api key last_used_at", zap.String("key_id", key.KeyID), zap.Error(err))
	}

	cred := apikeydomain.Credential{
		ID:        key.ID,
		KeyID:     key.KeyID,
		CompanyID: key.CompanyID,
		Scopes:    []string(key.Scopes),
	}
	s.credentials.Set(hash, cachedKey{cred: cred, expiresAt: key.ExpiresAt}, credentialCacheTTL)
	return &cred, nil
}

func (s *Service) toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Scopes:           []string(key.Scopes),
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func normalizeScopes(in []string) ([]string, error) {
	if len(in) == 0 {
		return []string{apikeydomain.ScopeEventsWrite, apikeydomain.ScopeEventsRead}, nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		scope := strings.ToLower(strings.TrimSpace(raw))
		if !apikeydomain.IsValidScope(scope) {
			return nil, apikeydomain.ErrInvalidScope
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out, nil
}

func isExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !now.Before(*expiresAt)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
