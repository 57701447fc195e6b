package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{`SELECT * FROM "audit_events" WHERE workspace_id = $1`, "SELECT", "audit_events"},
		{`INSERT INTO "pending_writes" ("id") VALUES ($1)`, "INSERT", "pending_writes"},
		{`UPDATE usage_stats SET events = events + 1`, "UPDATE", "usage_stats"},
		{`WITH recent AS (SELECT 1) DELETE FROM pending_writes`, "SELECT", "pending_writes"},
		{``, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	l := NewGormLogger(GormLoggerConfig{Database: "eu", Level: gormlogger.Warn, SlowThreshold: time.Millisecond})
	sql := func() (string, int64) { return `UPDATE audit_events SET hash = 'x'`, 0 }

	l.Trace(context.Background(), time.Now(), sql, errors.New("audit_events rows are immutable"))
	l.Trace(context.Background(), time.Now(), sql, context.DeadlineExceeded)
	l.Trace(context.Background(), time.Now(), sql, gormlogger.ErrRecordNotFound)
	l.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
		assert.Equal(t, true, entries[0].ContextMap()["append_only_violation"])
		assert.Equal(t, "eu", entries[0].ContextMap()["database"])
		assert.Equal(t, true, entries[1].ContextMap()["timeout"])
		assert.Equal(t, true, entries[2].ContextMap()["slow"])
	}
}
