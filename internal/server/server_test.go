package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"github.com/smallbiznis/auditrail/internal/authorization"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/chain"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/observability"
	"github.com/smallbiznis/auditrail/internal/query"
	"github.com/smallbiznis/auditrail/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	writerKey   = "ar_live_writer"
	readerKey   = "ar_live_reader"
	adminKey    = "ar_live_admin"
	opsToken    = "ops-secret"
	workspaceID = "7"
)

type fakeAPIKeys struct {
	apikeydomain.Service
	creds map[string]apikeydomain.Credential
}

func (f *fakeAPIKeys) Authenticate(_ context.Context, raw string) (*apikeydomain.Credential, error) {
	cred, ok := f.creds[raw]
	if !ok {
		return nil, apikeydomain.ErrUnauthorized
	}
	return &cred, nil
}

func (f *fakeAPIKeys) List(context.Context, snowflake.ID) ([]apikeydomain.Response, error) {
	return []apikeydomain.Response{{KeyID: "key_1", Name: "ci"}}, nil
}

type fakeIngester struct {
	result *ingest.IngestResult
	err    error
	last   ingest.IngestRequest
	tc     ingest.TenantContext
}

func (f *fakeIngester) Ingest(_ context.Context, tc ingest.TenantContext, req ingest.IngestRequest) (*ingest.IngestResult, error) {
	f.last, f.tc = req, tc
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeIngester) IngestBatch(ctx context.Context, tc ingest.TenantContext, ws snowflake.ID, reqs []ingest.IngestRequest) ([]ingest.BatchItem, error) {
	if len(reqs) == 0 {
		return nil, ingest.ErrBatchEmpty
	}
	items := make([]ingest.BatchItem, 0, len(reqs))
	for i, req := range reqs {
		if req.Action == "" {
			items = append(items, ingest.BatchItem{Index: i, Err: &ingest.ValidationError{Fields: []ingest.FieldError{{Field: "action", Code: "required", Message: "action is required"}}}})
			continue
		}
		req.WorkspaceID = ws
		res, _ := f.Ingest(ctx, tc, req)
		items = append(items, ingest.BatchItem{Index: i, Result: res})
	}
	return items, nil
}

type fakeQuerier struct {
	last  query.Request
	resp  *query.Response
	event *eventdomain.AuditEvent
	err   error
}

func (f *fakeQuerier) Query(_ context.Context, _ ingest.TenantContext, req query.Request) (*query.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeQuerier) Get(context.Context, ingest.TenantContext, snowflake.ID) (*eventdomain.AuditEvent, error) {
	if f.event == nil {
		return nil, query.ErrEventNotFound
	}
	return f.event, nil
}

func (f *fakeQuerier) Verify(_ context.Context, _ ingest.TenantContext, ws snowflake.ID) (*query.Verification, error) {
	return &query.Verification{WorkspaceID: ws, Region: "eu-west", Events: 3, Valid: true}, nil
}

type fakeFailover struct {
	health    []failover.RegionHealth
	unindexed int64
	triggered []string
	replayErr error
}

func (f *fakeFailover) Snapshot(context.Context) ([]failover.RegionHealth, error) {
	return f.health, nil
}

func (f *fakeFailover) Backlog(context.Context) (int64, error) {
	var n int64
	for _, h := range f.health {
		n += h.PendingWrites
	}
	return n, nil
}

func (f *fakeFailover) IndexBacklog(context.Context) (int64, error) {
	return f.unindexed, nil
}

func (f *fakeFailover) TriggerFailover(region string, _ error) {
	f.triggered = append(f.triggered, region)
}

func (f *fakeFailover) ProcessPendingWrites(_ context.Context, region string) (*failover.ReplayReport, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return &failover.ReplayReport{Region: region, Replayed: 2}, nil
}

type staticRegions []string

func (r staticRegions) Regions() []string { return r }

type fixedStats webhook.Stats

func (s fixedStats) Stats() webhook.Stats { return webhook.Stats(s) }

type fixedVolume int64

func (v fixedVolume) RecentVolume(context.Context, time.Time) (int64, error) { return int64(v), nil }

type fakeTenants struct {
	tenantdomain.Service
}

func (fakeTenants) GetCompany(_ context.Context, id snowflake.ID) (*tenantdomain.Company, error) {
	if id != 10 {
		return nil, tenantdomain.ErrCompanyNotFound
	}
	return &tenantdomain.Company{ID: id, Name: "Acme", DataRegion: "eu-west", RetentionDays: 30}, nil
}

type fakeBilling struct {
	billingdomain.Service
}

func (fakeBilling) Usage(_ context.Context, companyID snowflake.ID) (*billingdomain.UsageSummary, error) {
	return &billingdomain.UsageSummary{Company: billingdomain.UsageStats{CompanyID: companyID}}, nil
}

type testServer struct {
	engine   *gin.Engine
	ingest   *fakeIngester
	query    *fakeQuerier
	failover *fakeFailover
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		InternalToken:   opsToken,
		PayloadMaxBytes: 64 * 1024,
		Billing:         config.BillingConfig{HardLimitStatus: http.StatusPaymentRequired},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})

	ts := &testServer{
		ingest: &fakeIngester{},
		query:  &fakeQuerier{},
		failover: &fakeFailover{health: []failover.RegionHealth{
			{Region: "eu-west", State: failover.StateHealthy, Healthy: true, LatencyMs: 3},
		}},
	}
	keys := &fakeAPIKeys{creds: map[string]apikeydomain.Credential{
		writerKey: {ID: 1, CompanyID: 10, Scopes: []string{apikeydomain.ScopeEventsWrite}},
		readerKey: {ID: 2, CompanyID: 10, Scopes: []string{apikeydomain.ScopeEventsRead}},
		adminKey:  {ID: 3, CompanyID: 10, Scopes: []string{apikeydomain.ScopeAdmin}},
	}}

	srv := NewServer(ServerParams{
		Gin:        NewEngine(observability.Config{Environment: "test"}, cfg),
		Cfg:        cfg,
		Log:        zap.NewNop(),
		Ingest:     ts.ingest,
		Query:      ts.query,
		Failover:   ts.failover,
		Regions:    staticRegions{"eu-west", "us-east"},
		APIKeySvc:  keys,
		AuthzSvc:   authz,
		TenantSvc:  fakeTenants{},
		BillingSvc: fakeBilling{},
		Deliveries: fixedStats{Delivered: 4, Dropped: 1},
		Volume:     fixedVolume(12),
	})
	ts.engine = srv.Engine()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func committed(action string) *ingest.IngestResult {
	prev := "abc"
	return &ingest.IngestResult{
		Status: failover.StatusCommitted,
		Event: &eventdomain.AuditEvent{
			ID: 99, CompanyID: 10, WorkspaceID: 7, Action: action, Category: "auth",
			Payload: []byte(`{"ok":true}`), Hash: "def", PrevHash: &prev, Region: "eu-west",
		},
		RateLimit: ratelimit.Result{Limit: 100, Remaining: 99, ResetAt: time.Now().Add(time.Minute)},
	}
}

func ingestBody() map[string]any {
	return map[string]any{
		"action":   "user.login",
		"category": "auth",
		"actor":    map[string]any{"email": "a@example.com"},
		"payload":  map[string]any{"ip": "10.0.0.1"},
	}
}

func TestEventRoutesRequireAPIKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events", "", ingestBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/v1/events", "ar_live_unknown", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestEventCommitted(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest.result = committed("user.login")

	rec := ts.do(t, http.MethodPost, "/v1/workspaces/"+workspaceID+"/events", writerKey, ingestBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, failover.StatusCommitted, resp.Status)
	assert.Equal(t, "99", resp.Event.ID)
	assert.Equal(t, "def", resp.Event.Hash)
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, snowflake.ID(7), ts.ingest.last.WorkspaceID)
	assert.Equal(t, "user.login", ts.ingest.last.Action)
	require.NotNil(t, ts.ingest.last.Actor)
	assert.Equal(t, "a@example.com", *ts.ingest.last.Actor.Email)
	assert.Equal(t, snowflake.ID(10), ts.ingest.tc.Credential.CompanyID)
}

func TestIngestEventQueuedAnswersAccepted(t *testing.T) {
	ts := newTestServer(t)
	res := committed("user.login")
	res.Status = failover.StatusQueued
	res.Event.Hash = ""
	res.Event.PrevHash = nil
	res.Billing = &billingdomain.IncrementResult{SoftLimitTriggered: true}
	ts.ingest.result = res

	rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events", writerKey, ingestBody())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "soft_limit_reached", rec.Header().Get(HeaderBillingWarning))
}

func TestIngestEventMapsRejections(t *testing.T) {
	exceeded := &ratelimit.ExceededError{
		Identifier: "1",
		Result:     ratelimit.Result{Limit: 10, Remaining: 0, ResetAt: time.Now().Add(30 * time.Second), Limited: true},
	}

	cases := []struct {
		name       string
		err        error
		hardStatus int
		wantStatus int
		wantType   string
	}{
		{"rate limited", exceeded, 0, http.StatusTooManyRequests, "rate_limited"},
		{"hard limit default status", billingdomain.ErrHardLimitExceeded, http.StatusPaymentRequired, http.StatusPaymentRequired, "billing_limit_exceeded"},
		{"hard limit configured status", billingdomain.ErrHardLimitExceeded, http.StatusTooManyRequests, http.StatusTooManyRequests, "billing_limit_exceeded"},
		{"forbidden scope", authorization.ErrForbidden, 0, http.StatusForbidden, "forbidden"},
		{"foreign workspace", tenantdomain.ErrForbidden, 0, http.StatusForbidden, "forbidden"},
		{"missing workspace", tenantdomain.ErrNotFound, 0, http.StatusNotFound, "not_found"},
		{"oversized payload", ingest.ErrPayloadTooLarge, 0, http.StatusBadRequest, "validation_error"},
		{"unhashable event", fmt.Errorf("commit: %w", chain.ErrNotSerializable), 0, http.StatusBadRequest, "validation_error"},
		{"store failure", errors.New("boom"), 0, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, func(cfg *config.Config) {
				if tc.hardStatus != 0 {
					cfg.Billing.HardLimitStatus = tc.hardStatus
				}
			})
			ts.ingest.err = tc.err

			rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events", writerKey, ingestBody())
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantType, decodeError(t, rec).Type)
		})
	}
}

func TestRateLimitedResponseCarriesRetryHeaders(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest.err = &ratelimit.ExceededError{
		Identifier: "1",
		Result:     ratelimit.Result{Limit: 10, ResetAt: time.Now().Add(30 * time.Second), Limited: true},
	}

	rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events", writerKey, ingestBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestIngestValidationReportsFields(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest.err = &ingest.ValidationError{Fields: []ingest.FieldError{
		{Field: "action", Code: "required", Message: "action is required"},
		{Field: "payload", Code: "required", Message: "payload is required"},
	}}

	rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events", writerKey, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 2)
	assert.Equal(t, "action", payload.Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/v1/workspaces/not-an-id/events", writerKey, ingestBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "workspace_id", decodeError(t, rec).Errors[0].Field)
}

func TestIngestBatchReportsPerItem(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest.result = committed("user.login")

	body := map[string]any{"events": []map[string]any{
		ingestBody(),
		{"category": "auth", "payload": map[string]any{}},
	}}
	rec := ts.do(t, http.MethodPost, "/v1/workspaces/7/events/batch", writerKey, body)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	var resp struct {
		Data []batchItemResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "committed", resp.Data[0].Status)
	assert.Equal(t, http.StatusCreated, resp.Data[0].Code)
	assert.Equal(t, "rejected", resp.Data[1].Status)
	assert.Equal(t, http.StatusBadRequest, resp.Data[1].Code)

	rec = ts.do(t, http.MethodPost, "/v1/workspaces/7/events/batch", writerKey, map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEventsParsesFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.query.resp = &query.Response{
		Data: []eventdomain.AuditEvent{{ID: 5, CompanyID: 10, WorkspaceID: 7, Action: "user.login", Payload: []byte(`{}`)}},
		Meta: query.Meta{Page: 2, Limit: 10, Total: 11, RetentionApplied: true},
	}

	rec := ts.do(t, http.MethodGet, "/v1/events?page=2&limit=10&from=2026-01-02&action=user.login&actor_email=a@example.com", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, query.ScopeCompany, ts.query.last.Scope)
	assert.Equal(t, 2, ts.query.last.Page.Page)
	assert.Equal(t, 10, ts.query.last.Page.Limit)
	assert.Equal(t, "user.login", ts.query.last.Action)
	assert.Equal(t, "a@example.com", ts.query.last.ActorEmail)
	require.NotNil(t, ts.query.last.From)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *ts.query.last.From)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "5", resp.Data[0].ID)
	assert.Equal(t, int64(11), resp.Meta.Total)
	assert.True(t, resp.Meta.RetentionApplied)

	rec = ts.do(t, http.MethodGet, "/v1/events?from=yesterday", readerKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "from", decodeError(t, rec).Errors[0].Field)
}

func TestListWorkspaceEventsPinsScope(t *testing.T) {
	ts := newTestServer(t)
	ts.query.resp = &query.Response{}

	rec := ts.do(t, http.MethodGet, "/v1/workspaces/7/events?scope=global", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, query.ScopeWorkspace, ts.query.last.Scope)
	require.NotNil(t, ts.query.last.WorkspaceID)
	assert.Equal(t, snowflake.ID(7), *ts.query.last.WorkspaceID)

	ts.query.err = query.ErrInvalidRange
	rec = ts.do(t, http.MethodGet, "/v1/workspaces/7/events", readerKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventAndVerify(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/events/5", readerKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.query.event = &eventdomain.AuditEvent{ID: 5, CompanyID: 10, WorkspaceID: 7, Payload: []byte(`{}`)}
	rec = ts.do(t, http.MethodGet, "/v1/events/5", readerKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/workspaces/7/verify", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v query.Verification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Events)
}

func TestAPIKeyManagementNeedsAdminScope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/api_keys", writerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/api_keys", adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/internal/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/internal/health", writerKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := newTestServer(t, func(cfg *config.Config) { cfg.InternalToken = "" })
	rec = disabled.do(t, http.MethodGet, "/internal/health", opsToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalHealthReportsRegions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/internal/health", opsToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Regions, 1)
	assert.Equal(t, int64(12), resp.RecentVolume)
	require.NotNil(t, resp.Deliveries)
	assert.Equal(t, int64(1), resp.Deliveries.Dropped)

	assert.Zero(t, resp.IndexBacklog)

	ts.failover.unindexed = 2
	ts.failover.health = append(ts.failover.health, failover.RegionHealth{
		Region: "us-east", State: failover.StateUnhealthy, PendingWrites: 4,
	})
	rec = ts.do(t, http.MethodGet, "/internal/health", opsToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp.ReplicationBacklog)
	assert.Equal(t, int64(2), resp.IndexBacklog)
}

func TestRegionFailoverAndRecover(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/internal/regions/eu-west/failover", opsToken, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"eu-west"}, ts.failover.triggered)

	rec = ts.do(t, http.MethodPost, "/internal/regions/mars/failover", opsToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ts.failover.triggered, 1)

	rec = ts.do(t, http.MethodPost, "/internal/regions/eu-west/recover", opsToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report failover.ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Replayed)

	ts.failover.replayErr = failover.ErrReplayInProgress
	rec = ts.do(t, http.MethodPost, "/internal/regions/eu-west/recover", opsToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInternalStatsAndCompanyLookup(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/internal/stats?company_id=10", opsToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/internal/stats", opsToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/internal/companies/11", opsToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRouteIsJSONNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
