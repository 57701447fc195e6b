// Package query serves reads across regions. Every read is bounded by the
// tenant's retention window.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/authorization"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/chain"
	"github.com/smallbiznis/auditrail/internal/clock"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"github.com/smallbiznis/auditrail/internal/observability/tracing"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/smallbiznis/auditrail/pkg/telemetry/correlation"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	tracerName      = "auditrail/query"
	verifyPageSize  = 500
	maxFetchWorkers = 8
)

// Tenants resolves the retention settings of the caller.
type Tenants interface {
	GetCompany(ctx context.Context, id snowflake.ID) (*tenantdomain.Company, error)
	GetWorkspace(ctx context.Context, companyID, workspaceID snowflake.ID) (*tenantdomain.Workspace, error)
}

type RegionResolver interface {
	Resolve(ctx context.Context, companyID snowflake.ID) (string, error)
}

type StorePool interface {
	Get(ctx context.Context, region string) (regionstore.Store, error)
}

type Index interface {
	Query(ctx context.Context, q eventdomain.ListQuery) ([]eventdomain.IndexEntry, int64, error)
	Lookup(ctx context.Context, companyID, eventID snowflake.ID) (*eventdomain.IndexEntry, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Tenants Tenants
	Authz   authorization.Service
	Regions RegionResolver
	Stores  StorePool
	Index   Index
	Billing billingdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	tenants Tenants
	authz   authorization.Service
	regions RegionResolver
	stores  StorePool
	index   Index
	billing billingdomain.Service
	metrics *metrics.Metrics

	usage sync.WaitGroup
}

func NewService(p Params) *Service {
	return &Service{
		log:     p.Log.Named("query"),
		clock:   p.Clock,
		tenants: p.Tenants,
		authz:   p.Authz,
		regions: p.Regions,
		stores:  p.Stores,
		index:   p.Index,
		billing: p.Billing,
		metrics: p.Metrics,
	}
}

// retention returns the earliest createdAt visible to the caller. The
// workspace override wins over the company default.
func (s *Service) retention(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID) (time.Time, error) {
	company, err := s.tenants.GetCompany(ctx, companyID)
	if err != nil {
		return time.Time{}, err
	}
	var ws *tenantdomain.Workspace
	if workspaceID != nil {
		ws, err = s.tenants.GetWorkspace(ctx, companyID, *workspaceID)
		if err != nil {
			return time.Time{}, err
		}
	}
	days := tenantdomain.EffectiveRetentionDays(company, ws)
	return s.clock.Now().UTC().AddDate(0, 0, -days), nil
}

// clampFrom moves from forward to the retention window start.
func clampFrom(from *time.Time, start time.Time) (time.Time, bool) {
	if from == nil || from.Before(start) {
		return start, true
	}
	return *from, false
}

// Query lists events for the caller's company in the requested scope.
func (s *Service) Query(ctx context.Context, tc ingest.TenantContext, req Request) (*Response, error) {
	cred := tc.Credential
	ctx, span := tracing.StartSpan(ctx, tracerName, "query.list", attribute.String("scope", string(req.Scope)))
	defer span.End()

	if err := s.authz.Authorize(ctx, cred, authorization.ObjectEvent, authorization.ActionEventQuery); err != nil {
		return nil, err
	}

	scope := req.Scope
	if scope == "" {
		scope = ScopeCompany
	}
	switch scope {
	case ScopeWorkspace:
		if req.WorkspaceID == nil {
			return nil, ErrWorkspaceMissing
		}
	case ScopeCompany, ScopeGlobal:
	default:
		return nil, ErrInvalidScope
	}

	start, err := s.retention(ctx, cred.CompanyID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	from, applied := clampFrom(req.From, start)
	if req.To != nil && !req.To.After(from) {
		return nil, ErrInvalidRange
	}

	page := req.Page.Normalize()
	q := eventdomain.ListQuery{
		Filter: eventdomain.Filter{
			CompanyID:   cred.CompanyID,
			WorkspaceID: req.WorkspaceID,
			ProjectID:   req.ProjectID,
			Action:      req.Action,
			Category:    req.Category,
			ActorID:     req.ActorID,
			ActorEmail:  req.ActorEmail,
			From:        &from,
			To:          req.To,
		},
		Page: page,
	}

	var resp *Response
	switch scope {
	case ScopeGlobal:
		resp, err = s.queryGlobal(ctx, q)
	default:
		resp, err = s.queryHome(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	resp.Meta.Page = page.Page
	resp.Meta.Limit = page.Limit
	resp.Meta.RetentionApplied = applied
	resp.Meta.RetentionWindowStart = start

	s.metrics.RecordQuery(ctx, string(scope))
	s.observe(ctx, cred.CompanyID, req.WorkspaceID)
	return resp, nil
}

// queryHome reads the company's home region directly.
func (s *Service) queryHome(ctx context.Context, q eventdomain.ListQuery) (*Response, error) {
	region, err := s.regions.Resolve(ctx, q.CompanyID)
	if err != nil {
		return nil, err
	}
	store, err := s.stores.Get(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", region, err)
	}
	rows, total, err := store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", region, err)
	}
	if rows == nil {
		rows = []eventdomain.AuditEvent{}
	}
	return &Response{Data: rows, Meta: Meta{Total: total}}, nil
}

type regionFetch struct {
	region string
	rows   []eventdomain.AuditEvent
	err    error
}

// queryGlobal pages the global index, then fetches bodies from each region
// the page touches. A region that cannot be read marks the page partial.
func (s *Service) queryGlobal(ctx context.Context, q eventdomain.ListQuery) (*Response, error) {
	entries, total, err := s.index.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	byRegion := make(map[string][]snowflake.ID)
	for _, entry := range entries {
		byRegion[entry.Region] = append(byRegion[entry.Region], entry.EventID)
	}

	p := pool.NewWithResults[regionFetch]().WithMaxGoroutines(maxFetchWorkers)
	for region, ids := range byRegion {
		region, ids := region, ids
		p.Go(func() regionFetch {
			store, err := s.stores.Get(ctx, region)
			if err != nil {
				return regionFetch{region: region, err: err}
			}
			rows, err := store.GetMany(ctx, ids)
			return regionFetch{region: region, rows: rows, err: err}
		})
	}

	resp := &Response{Data: make([]eventdomain.AuditEvent, 0, len(entries)), Meta: Meta{Total: total}}
	for _, res := range p.Wait() {
		if res.err != nil {
			s.log.Warn("global query skipped region", zap.String("region", res.region), zap.Error(res.err))
			resp.Meta.Partial = true
			resp.Meta.Missing = append(resp.Meta.Missing, res.region)
			continue
		}
		for _, row := range res.rows {
			if row.CompanyID == q.CompanyID {
				resp.Data = append(resp.Data, row)
			}
		}
	}
	sort.Strings(resp.Meta.Missing)
	sort.Slice(resp.Data, func(i, j int) bool {
		a, b := resp.Data[i], resp.Data[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return resp, nil
}

// observe records the query against the company's usage off the request
// path. Failures are logged only.
func (s *Service) observe(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID) {
	ctx = correlation.Detach(ctx)
	s.usage.Add(1)
	go func() {
		defer s.usage.Done()
		if err := s.billing.RecordQueryUsage(ctx, companyID, workspaceID, 1); err != nil {
			s.log.Warn("record query usage", zap.String("company_id", companyID.String()), zap.Error(err))
		}
	}()
}

// Drain waits for in-flight usage observations.
func (s *Service) Drain() {
	s.usage.Wait()
}

// Get returns one event of the caller's company. Events outside the
// retention window are not found.
func (s *Service) Get(ctx context.Context, tc ingest.TenantContext, eventID snowflake.ID) (*eventdomain.AuditEvent, error) {
	cred := tc.Credential
	ctx, span := tracing.StartSpan(ctx, tracerName, "query.get")
	defer span.End()

	if err := s.authz.Authorize(ctx, cred, authorization.ObjectEvent, authorization.ActionEventGet); err != nil {
		return nil, err
	}

	region := ""
	entry, err := s.index.Lookup(ctx, cred.CompanyID, eventID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		region = entry.Region
	} else if region, err = s.regions.Resolve(ctx, cred.CompanyID); err != nil {
		return nil, err
	}

	store, err := s.stores.Get(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", region, err)
	}
	e, err := store.Get(ctx, cred.CompanyID, eventID)
	if errors.Is(err, regionstore.ErrEventNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	wsID := e.WorkspaceID
	start, err := s.retention(ctx, cred.CompanyID, &wsID)
	if err != nil {
		return nil, err
	}
	if e.CreatedAt.Before(start) {
		return nil, ErrEventNotFound
	}

	s.metrics.RecordQuery(ctx, "get")
	s.observe(ctx, cred.CompanyID, &wsID)
	return e, nil
}

// Verify recomputes the workspace chain from its first event.
func (s *Service) Verify(ctx context.Context, tc ingest.TenantContext, workspaceID snowflake.ID) (*Verification, error) {
	cred := tc.Credential
	ctx, span := tracing.StartSpan(ctx, tracerName, "query.verify", attribute.String("workspace_id", workspaceID.String()))
	defer span.End()

	if err := s.authz.Authorize(ctx, cred, authorization.ObjectChain, authorization.ActionChainVerify); err != nil {
		return nil, err
	}
	if _, err := s.tenants.GetWorkspace(ctx, cred.CompanyID, workspaceID); err != nil {
		return nil, err
	}

	region, err := s.regions.Resolve(ctx, cred.CompanyID)
	if err != nil {
		return nil, err
	}
	store, err := s.stores.Get(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", region, err)
	}

	out := &Verification{WorkspaceID: workspaceID, Region: region, Valid: true}
	var (
		v       chain.Verifier
		lastSeq int64
	)
	for {
		rows, err := store.Chain(ctx, workspaceID, lastSeq, verifyPageSize)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			if err := v.Add(&rows[i]); err != nil {
				var brk *chain.BreakError
				if !errors.As(err, &brk) {
					return nil, err
				}
				seq := rows[i].Sequence
				out.Valid = false
				out.BrokenAt = &seq
				out.Reason = brk.Reason
				out.Events = v.Len()
				out.Head = v.Head()
				return out, nil
			}
			lastSeq = rows[i].Sequence
		}
		if len(rows) < verifyPageSize {
			break
		}
	}
	out.Events = v.Len()
	out.Head = v.Head()
	return out, nil
}
