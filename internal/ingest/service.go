// Package ingest admits audit events: it validates them, runs them through
// the rate limit and billing gates and hands them to the failover manager
// for the chained regional write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/authorization"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/observability/logger"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"github.com/smallbiznis/auditrail/internal/observability/tracing"
	"github.com/smallbiznis/auditrail/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const tracerName = "auditrail/ingest"

// WorkspaceLookup resolves a workspace and checks the company owns it.
type WorkspaceLookup interface {
	GetWorkspace(ctx context.Context, companyID, workspaceID snowflake.ID) (*tenantdomain.Workspace, error)
}

// RegionResolver maps a company to its home region.
type RegionResolver interface {
	Resolve(ctx context.Context, companyID snowflake.ID) (string, error)
}

// Writer performs the chained, failover-aware regional write.
type Writer interface {
	Write(ctx context.Context, e *eventdomain.AuditEvent) (*failover.Outcome, error)
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Workspaces WorkspaceLookup
	Authz      authorization.Service
	Limiter    *ratelimit.Limiter
	Billing    billingdomain.Service
	Regions    RegionResolver
	Writer     Writer
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	workspaces   WorkspaceLookup
	authz        authorization.Service
	limiter      *ratelimit.Limiter
	billing      billingdomain.Service
	regions      RegionResolver
	writer       Writer
	metrics      *metrics.Metrics
	maxBytes     int
	defaultLimit int64
}

func NewService(p Params) *Service {
	return &Service{
		log:          p.Log.Named("ingest"),
		clock:        p.Clock,
		genID:        p.GenID,
		workspaces:   p.Workspaces,
		authz:        p.Authz,
		limiter:      p.Limiter,
		billing:      p.Billing,
		regions:      p.Regions,
		writer:       p.Writer,
		metrics:      p.Metrics,
		maxBytes:     p.Config.PayloadMaxBytes,
		defaultLimit: p.Config.Billing.DefaultLimit,
	}
}

// Ingest runs one event through the admission gates and writes it. The
// rate limit and billing counters are not rolled back when a later step
// fails.
func (s *Service) Ingest(ctx context.Context, tc TenantContext, req IngestRequest) (*IngestResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.event",
		attribute.String("workspace_id", req.WorkspaceID.String()),
	)
	defer span.End()

	result, err := s.ingest(ctx, tc, req)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		s.metrics.RecordRejected(ctx, rejectReason(err))
		return nil, err
	}
	return result, nil
}

func (s *Service) ingest(ctx context.Context, tc TenantContext, req IngestRequest) (*IngestResult, error) {
	cred := tc.Credential
	if err := req.validate(s.maxBytes); err != nil {
		return nil, err
	}

	if _, err := s.workspaces.GetWorkspace(ctx, cred.CompanyID, req.WorkspaceID); err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, cred, authorization.ObjectEvent, authorization.ActionEventIngest); err != nil {
		return nil, err
	}

	rl, err := s.limiter.Allow(ctx, cred.ID.String())
	if err != nil {
		return nil, err
	}

	usage, err := s.admitBilling(ctx, cred.CompanyID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	home, err := s.regions.Resolve(ctx, cred.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("resolve region: %w", err)
	}

	e := s.buildEvent(cred.CompanyID, home, req)
	outcome, err := s.writer.Write(ctx, e)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case failover.StatusQueued:
		s.metrics.RecordQueued(ctx, home)
	default:
		s.metrics.RecordIngested(ctx, home)
	}

	return &IngestResult{
		Event:     outcome.Event,
		Status:    outcome.Status,
		RateLimit: rl,
		Billing:   usage,
	}, nil
}

// admitBilling counts the event and rejects it past the hard limit. A
// company without a meter for the current period gets the default one.
func (s *Service) admitBilling(ctx context.Context, companyID, workspaceID snowflake.ID) (*billingdomain.IncrementResult, error) {
	res, err := s.billing.IncrementEventUsage(ctx, companyID, &workspaceID, 1)
	if errors.Is(err, billingdomain.ErrMeterNotConfigured) {
		if _, ensureErr := s.billing.EnsureMeter(ctx, companyID, s.defaultLimit); ensureErr != nil {
			return nil, ensureErr
		}
		res, err = s.billing.IncrementEventUsage(ctx, companyID, &workspaceID, 1)
	}
	if err != nil {
		return nil, err
	}

	if res.HardLimitTriggered {
		return nil, fmt.Errorf("%w: %d of %d events", billingdomain.ErrHardLimitExceeded, res.Usage, res.Meter.Limit)
	}
	if res.SoftLimitTriggered {
		s.metrics.RecordBillingSoftLimit(ctx)
		logger.WithContext(ctx, s.log).Warn("billing soft limit reached",
			zap.String("company_id", companyID.String()),
			zap.Int64("usage", res.Usage),
			zap.Int64("limit", res.Meter.Limit),
		)
	}
	return res, nil
}

func (s *Service) buildEvent(companyID snowflake.ID, region string, req IngestRequest) *eventdomain.AuditEvent {
	e := &eventdomain.AuditEvent{
		ID:          s.genID.Generate(),
		CompanyID:   companyID,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
		Action:      req.Action,
		Category:    req.Category,
		Target:      datatypes.JSON(req.Target),
		Payload:     datatypes.JSON(req.Payload),
		Metadata:    datatypes.JSON(req.Metadata),
		Changes:     datatypes.JSON(req.Changes),
		CreatedAt:   s.clock.Now().UTC().Truncate(time.Microsecond),
		Region:      region,
	}
	if req.Actor != nil {
		e.SetActor(&eventdomain.Actor{ID: req.Actor.ID, Email: req.Actor.Email, Name: req.Actor.Name})
	}
	return e
}

// IngestBatch applies Ingest to every event in order. A rejected item does
// not stop the ones after it.
func (s *Service) IngestBatch(ctx context.Context, tc TenantContext, workspaceID snowflake.ID, reqs []IngestRequest) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, ErrBatchEmpty
	}
	if len(reqs) > maxBatchSize {
		return nil, fmt.Errorf("%w: %d events, max %d", ErrBatchTooLarge, len(reqs), maxBatchSize)
	}

	items := make([]BatchItem, 0, len(reqs))
	for i, req := range reqs {
		req.WorkspaceID = workspaceID
		res, err := s.Ingest(ctx, tc, req)
		items = append(items, BatchItem{Index: i, Result: res, Err: err})
	}
	return items, nil
}

func rejectReason(err error) string {
	var (
		verr *ValidationError
		rerr *ratelimit.ExceededError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrPayloadTooLarge):
		return "validation"
	case errors.As(err, &rerr):
		return "rate_limited"
	case errors.Is(err, billingdomain.ErrHardLimitExceeded):
		return "billing_limit"
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, tenantdomain.ErrForbidden),
		errors.Is(err, tenantdomain.ErrNotFound):
		return "forbidden"
	default:
		return "error"
	}
}
