package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	IncrementEventUsage(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, amount int64) (*IncrementResult, error)
	RecordQueryUsage(ctx context.Context, companyID snowflake.ID, workspaceID *snowflake.ID, amount int64) error
	EnsureMeter(ctx context.Context, companyID snowflake.ID, limit int64) (*Meter, error)
	Usage(ctx context.Context, companyID snowflake.ID) (*UsageSummary, error)
}

var (
	ErrInvalidCompany     = errors.New("invalid_company")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidLimit       = errors.New("invalid_limit")
	ErrMeterNotConfigured = errors.New("billing_meter_not_configured")
	ErrHardLimitExceeded  = errors.New("billing_limit_exceeded")
)
