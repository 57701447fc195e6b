package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSoftLimitRatio = 0.8

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   billingdomain.Repository
	Config config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      billingdomain.Repository
	genID     *snowflake.Node
	clock     clock.Clock
	softRatio float64
}

func New(p Params) billingdomain.Service {
	ratio := p.Config.Billing.SoftLimitRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultSoftLimitRatio
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("billing.service"),
		repo:      p.Repo,
		genID:     p.GenID,
		clock:     p.Clock,
		softRatio: ratio,
	}
}

// IncrementEventUsage counts amount events against the company's active
// meter. It never blocks; the flags tell the caller where usage stands.
func (s *Service) IncrementEventUsage(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, amount int64) (*billingdomain.IncrementResult, error) {
	if companyID == 0 {
		return nil, billingdomain.ErrInvalidCompany
	}
	if amount <= 0 {
		return nil, billingdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	meter, err := s.repo.FindActiveMeter(ctx, s.db, companyID, billingdomain.MeterTypeEvents, now)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, billingdomain.ErrMeterNotConfigured
	}

	usage, err := s.increment(ctx, companyID, workspaceID, meter.PeriodStart, meter.PeriodEnd, billingdomain.CounterEventsIngested, amount, now)
	if err != nil {
		return nil, err
	}

	soft := softThreshold(meter.Limit, s.softRatio)
	return &billingdomain.IncrementResult{
		Meter:              *meter,
		Usage:              usage,
		SoftThreshold:      soft,
		SoftLimitTriggered: meter.Limit > 0 && usage >= soft,
		HardLimitTriggered: meter.Limit > 0 && usage >= meter.Limit,
	}, nil
}

// RecordQueryUsage is observational. Without a meter the calendar month is
// used as the period.
func (s *Service) RecordQueryUsage(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, amount int64) error {
	if companyID == 0 {
		return billingdomain.ErrInvalidCompany
	}
	if amount <= 0 {
		return billingdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	start, end := calendarMonth(now)
	meter, err := s.repo.FindActiveMeter(ctx, s.db, companyID, billingdomain.MeterTypeEvents, now)
	if err != nil {
		return err
	}
	if meter != nil {
		start, end = meter.PeriodStart, meter.PeriodEnd
	}

	_, err = s.increment(ctx, companyID, workspaceID, start, end, billingdomain.CounterEventsQueried, amount, now)
	return err
}

// EnsureMeter returns the active meter, creating a calendar-month meter
// with limit when none covers now.
func (s *Service) EnsureMeter(ctx context.Context, companyID snowflake.ID, limit int64) (*billingdomain.Meter, error) {
	if companyID == 0 {
		return nil, billingdomain.ErrInvalidCompany
	}
	if limit < 0 {
		return nil, billingdomain.ErrInvalidLimit
	}

	now := s.clock.Now()
	existing, err := s.repo.FindActiveMeter(ctx, s.db, companyID, billingdomain.MeterTypeEvents, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	start, end := calendarMonth(now)
	meter := &billingdomain.Meter{
		ID:          s.genID.Generate(),
		CompanyID:   companyID,
		MeterType:   billingdomain.MeterTypeEvents,
		PeriodStart: start,
		PeriodEnd:   end,
		Limit:       limit,
		CreatedAt:   now,
	}
	if err := s.repo.InsertMeter(ctx, s.db, meter); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindActiveMeter(ctx, s.db, companyID, billingdomain.MeterTypeEvents, now)
		}
		return nil, err
	}

	s.log.Info("billing meter provisioned",
		zap.String("company_id", companyID.String()),
		zap.Time("period_start", start),
		zap.Int64("limit", limit),
	)
	return meter, nil
}

func (s *Service) Usage(ctx context.Context, companyID snowflake.ID) (*billingdomain.UsageSummary, error) {
	if companyID == 0 {
		return nil, billingdomain.ErrInvalidCompany
	}

	now := s.clock.Now()
	meter, err := s.repo.FindActiveMeter(ctx, s.db, companyID, billingdomain.MeterTypeEvents, now)
	if err != nil {
		return nil, err
	}
	start, end := calendarMonth(now)
	if meter != nil {
		start, end = meter.PeriodStart, meter.PeriodEnd
	}

	rows, err := s.repo.ListUsage(ctx, s.db, companyID, start)
	if err != nil {
		return nil, err
	}

	summary := &billingdomain.UsageSummary{
		Meter:   meter,
		Company: billingdomain.UsageStats{CompanyID: companyID, PeriodStart: start, PeriodEnd: end},
	}
	for _, row := range rows {
		if row.WorkspaceID == 0 {
			summary.Company = row
			continue
		}
		summary.Workspaces = append(summary.Workspaces, row)
	}
	return summary, nil
}

// increment updates the company aggregate and, when given, the workspace
// breakdown in one transaction. It returns the company aggregate.
func (s *Service) increment(
	ctx context.Context,
	companyID snowflake.ID,
	workspaceID *snowflake.ID,
	start, end time.Time,
	counter billingdomain.Counter,
	amount int64,
	now time.Time,
) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key := billingdomain.UsageKey{CompanyID: companyID, PeriodStart: start, PeriodEnd: end}
		var err error
		total, err = s.repo.Increment(ctx, tx, key, counter, amount, now)
		if err != nil {
			return err
		}
		if workspaceID == nil || *workspaceID == 0 {
			return nil
		}
		key.WorkspaceID = *workspaceID
		_, err = s.repo.Increment(ctx, tx, key, counter, amount, now)
		return err
	})
	return total, err
}

func softThreshold(limit int64, ratio float64) int64 {
	if limit <= 0 {
		return 0
	}
	soft := int64(math.Ceil(float64(limit) * ratio))
	if soft < 1 {
		soft = 1
	}
	return soft
}

func calendarMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
