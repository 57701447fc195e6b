package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/auditrail/internal/config"
)

// Config is the observability view of the process: who is emitting, how
// verbose logs are, and where OTLP data goes.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	NodeID      int64

	LogLevel       string
	LogFormat      string
	LogSampleFirst int
	LogSampleAfter int

	// DBLogLevel is one of silent|error|warn|info.
	DBLogLevel      string
	DBSlowThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, "auditrail"),
		Environment: env("DEPLOYMENT_ENV", cfg.Environment),
		Version:     env("SERVICE_VERSION", cfg.AppVersion),
		NodeID:      cfg.NodeID,

		LogLevel:       strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(env("LOG_FORMAT", "json")),
		LogSampleFirst: envInt("LOG_SAMPLE_FIRST", 100),
		LogSampleAfter: envInt("LOG_SAMPLE_AFTER", 100),

		DBLogLevel:      strings.ToLower(env("DB_LOG_LEVEL", "")),
		DBSlowThreshold: envDuration("DB_SLOW_THRESHOLD", 200*time.Millisecond),

		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(env("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", env("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
		OtelSamplingRatio:    envFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
	if out.DBLogLevel == "" {
		out.DBLogLevel = "warn"
		if out.Debug() {
			out.DBLogLevel = "info"
		}
	}
	return out
}

// Debug is true for debug logging or any non-production environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func env(key, def string) string {
	return firstNonEmpty(os.Getenv(key), def)
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(env(key, ""))
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(env(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(env(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(env(key, ""))
	if err != nil {
		return def
	}
	return v
}
