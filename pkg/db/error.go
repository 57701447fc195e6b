package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation = "23505"
	pgRaiseException  = "P0001"
)

// IsDuplicateKeyErr reports a unique constraint violation on any supported
// dialect.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || pgCode(err) == pgUniqueViolation {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 1062") || // mysql
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}

// IsAppendOnlyViolation reports that the regional audit_events trigger
// refused a DELETE or a change to a sealed column.
func IsAppendOnlyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgRaiseException && strings.HasPrefix(pgErr.Message, "audit_events")
	}
	msg := err.Error()
	return strings.Contains(msg, "audit_events is append-only") ||
		strings.Contains(msg, "audit_events rows are immutable")
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
