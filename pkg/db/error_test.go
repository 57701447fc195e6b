package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("append: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: audit_events.workspace_id")))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry")))
}

func TestIsAppendOnlyViolation(t *testing.T) {
	assert.False(t, IsAppendOnlyViolation(nil))
	assert.True(t, IsAppendOnlyViolation(&pgconn.PgError{Code: "P0001", Message: "audit_events is append-only"}))
	assert.False(t, IsAppendOnlyViolation(&pgconn.PgError{Code: "P0001", Message: "something else"}))
	assert.True(t, IsAppendOnlyViolation(errors.New("audit_events rows are immutable")))
}
