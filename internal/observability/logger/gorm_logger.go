package logger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/auditrail/pkg/db"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	// Database labels every line ("global" or a region name).
	Database      string
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// GormLogger routes GORM output through zap. Bound values are never logged.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	if cfg.Database == "" {
		cfg.Database = "global"
	}
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

// ForDatabase labels lines with a regional database name.
func (l *GormLogger) ForDatabase(name string) *GormLogger {
	next := *l
	next.cfg.Database = name
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, lvl zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	fields := l.baseFields()
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs failed statements at error, slow ones and timeouts at warn, and
// everything else (record-not-found included) at debug.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && errors.Is(err, gormlogger.ErrRecordNotFound):
		if l.cfg.Level >= gormlogger.Info {
			l.statement(ctx, zapcore.DebugLevel, fc, elapsed, nil)
		}
	case err != nil && isTimeout(err):
		if l.cfg.Level >= gormlogger.Warn {
			l.statement(ctx, zapcore.WarnLevel, fc, elapsed, err, zap.Bool("timeout", true))
		}
	case err != nil:
		if l.cfg.Level >= gormlogger.Error {
			l.statement(ctx, zapcore.ErrorLevel, fc, elapsed, err)
		}
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold:
		if l.cfg.Level >= gormlogger.Warn {
			l.statement(ctx, zapcore.WarnLevel, fc, elapsed, nil, zap.Bool("slow", true))
		}
	case l.cfg.Level >= gormlogger.Info:
		l.statement(ctx, zapcore.DebugLevel, fc, elapsed, nil)
	}
}

// ParamsFilter drops bound values.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) statement(ctx context.Context, lvl zapcore.Level, fc func() (string, int64), elapsed time.Duration, err error, extra ...zap.Field) {
	ce := FromContext(ctx).Check(lvl, "gorm.query")
	if ce == nil {
		return
	}

	sql, rows := fc()
	op, table := describeSQL(sql)
	fields := append(l.baseFields(),
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", strings.TrimSpace(sql)),
	)
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		if db.IsAppendOnlyViolation(err) {
			fields = append(fields, zap.Bool("append_only_violation", true))
		}
	}
	ce.Write(append(fields, extra...)...)
}

func (l *GormLogger) baseFields() []zap.Field {
	return []zap.Field{zap.String("component", "gorm"), zap.String("database", l.cfg.Database)}
}

var tablePattern = regexp.MustCompile(`(?i)\b(?:FROM|INTO|UPDATE|JOIN)\s+"?([a-zA-Z0-9_]+)"?`)

// describeSQL returns the statement verb and the first table it touches.
func describeSQL(sql string) (string, string) {
	op := "UNKNOWN"
scan:
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			op = token
			break scan
		}
	}

	table := ""
	if m := tablePattern.FindStringSubmatch(sql); len(m) == 2 {
		table = strings.ToLower(m[1])
	}
	return op, table
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
