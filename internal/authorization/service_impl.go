package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectEvent  = "event"
	ObjectChain  = "chain"
	ObjectAPIKey = "api_key"
	ObjectTenant = "tenant"
)

const (
	ActionEventIngest = "event.ingest"
	ActionEventQuery  = "event.query"
	ActionEventGet    = "event.get"
	ActionChainVerify = "chain.verify"

	ActionAPIKeyManage = "api_key.manage"
	ActionTenantManage = "tenant.manage"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

// NewEnforcer loads policies from the casbin_rule table and seeds the
// scope roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

// NewMemoryEnforcer builds an enforcer without persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, cred apikeydomain.Credential, object string, action string) error {
	if cred.ID == 0 {
		return ErrInvalidActor
	}
	if cred.CompanyID == 0 {
		return ErrInvalidCompany
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := cred.Subject()
	domain := fmt.Sprintf("company:%s", cred.CompanyID.String())
	if err := s.syncGrouping(subject, scopeRoles(cred.Scopes), domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// syncGrouping makes the subject's role links in domain match roles.
func (s *ServiceImpl) syncGrouping(subject string, roles []string, domain string) error {
	want := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}

	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if _, ok := want[rule[1]]; ok {
			delete(want, rule[1])
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	for role := range want {
		if _, err := s.enforcer.AddGroupingPolicy(subject, role, domain); err != nil {
			return err
		}
	}
	return nil
}

func scopeRoles(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, "scope:"+scope)
	}
	return out
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"scope:" + apikeydomain.ScopeEventsWrite, ObjectEvent, ActionEventIngest},

		{"scope:" + apikeydomain.ScopeEventsRead, ObjectEvent, ActionEventQuery},
		{"scope:" + apikeydomain.ScopeEventsRead, ObjectEvent, ActionEventGet},
		{"scope:" + apikeydomain.ScopeEventsRead, ObjectChain, ActionChainVerify},

		{"scope:" + apikeydomain.ScopeAdmin, ObjectEvent, "*"},
		{"scope:" + apikeydomain.ScopeAdmin, ObjectChain, "*"},
		{"scope:" + apikeydomain.ScopeAdmin, ObjectAPIKey, ActionAPIKeyManage},
		{"scope:" + apikeydomain.ScopeAdmin, ObjectTenant, ActionTenantManage},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
