package observability

import (
	"github.com/smallbiznis/auditrail/internal/observability/logger"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"github.com/smallbiznis/auditrail/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideGormLogger,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		provideFailoverMetrics,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		NodeID:      cfg.NodeID,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		SampleFirst: cfg.LogSampleFirst,
		SampleAfter: cfg.LogSampleAfter,
		Development: cfg.Debug(),
	}
}

// provideGormLogger serves both pkg/db (as gormlogger.Interface) and the
// regional store opener, which relabels it per region.
func provideGormLogger(cfg Config) (gormlogger.Interface, *logger.GormLogger) {
	l := logger.NewGormLogger(logger.GormLoggerConfig{
		Database:      "global",
		Level:         gormLogLevel(cfg.DBLogLevel),
		SlowThreshold: cfg.DBSlowThreshold,
	})
	return l, l
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func provideFailoverMetrics(cfg metrics.Config) *metrics.FailoverMetrics {
	return metrics.FailoverWithConfig(cfg)
}
