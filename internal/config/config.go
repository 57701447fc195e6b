package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/auditrail/pkg/db"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	InternalToken string
	OTLPEndpoint  string
	// NodeID seeds the snowflake generator; unique per process.
	NodeID int64

	// DefaultRegion is used when a company has no data region on record.
	DefaultRegion string
	// RegionsFile overrides the regions.yml search path.
	RegionsFile string

	PayloadMaxBytes int

	Database  db.Config
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Billing   BillingConfig
	Failover  FailoverConfig
	Lock      LockConfig
	Webhook   WebhookConfig
	Archival  ArchivalConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend string
	Limit   int
	Window  time.Duration
}

type BillingConfig struct {
	SoftLimitRatio float64
	// HardLimitStatus is the HTTP status used to reject writes past the hard limit.
	HardLimitStatus int
	DefaultLimit    int64
}

type FailoverConfig struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	StoreCallTimeout time.Duration
	HealthTTL        time.Duration
	RecoveryInterval time.Duration
	ReplayBatchSize  int
}

type LockConfig struct {
	// Backend is "memory" or "redis".
	Backend string
	TTL     time.Duration
	Retry   time.Duration
}

type WebhookConfig struct {
	// Backend is "log" or "redis".
	Backend string
	Stream  string
	Buffer  int
	Secret  string
}

type ArchivalConfig struct {
	Enabled         bool
	Interval        time.Duration
	BatchSize       int
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getenv("APP_SERVICE", "auditrail"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Environment:     getenv("ENVIRONMENT", "development"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		InternalToken:   strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		NodeID:          getenvInt64("SNOWFLAKE_NODE_ID", 1),
		DefaultRegion:   strings.TrimSpace(getenv("DEFAULT_REGION", "us-east")),
		RegionsFile:     strings.TrimSpace(getenv("REGIONS_FILE", "")),
		PayloadMaxBytes: getenvInt("PAYLOAD_MAX_BYTES", 64*1024),
		Database: db.Config{
			Type:            getenv("DATABASE_TYPE", "postgres"),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "auditrail"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", ""),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			MaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
			MaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
			ConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
			ConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Backend: strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),
			Limit:   getenvInt("RATE_LIMIT_LIMIT", 1000),
			Window:  getenvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Billing: BillingConfig{
			SoftLimitRatio:  getenvFloat("BILLING_SOFT_LIMIT_RATIO", 0.8),
			HardLimitStatus: getenvInt("BILLING_HARD_LIMIT_STATUS", 402),
			DefaultLimit:    getenvInt64("BILLING_DEFAULT_EVENT_LIMIT", 100_000),
		},
		Failover: FailoverConfig{
			ProbeInterval:    getenvDuration("FAILOVER_PROBE_INTERVAL", 10*time.Second),
			ProbeTimeout:     getenvDuration("FAILOVER_PROBE_TIMEOUT", 2*time.Second),
			StoreCallTimeout: getenvDuration("REGION_STORE_TIMEOUT", 3*time.Second),
			HealthTTL:        getenvDuration("REGION_HEALTH_TTL", 5*time.Second),
			RecoveryInterval: getenvDuration("FAILOVER_RECOVERY_INTERVAL", 30*time.Second),
			ReplayBatchSize:  getenvInt("FAILOVER_REPLAY_BATCH_SIZE", 500),
		},
		Lock: LockConfig{
			Backend: strings.ToLower(getenv("WORKSPACE_LOCK_BACKEND", "memory")),
			TTL:     getenvDuration("WORKSPACE_LOCK_TTL", 10*time.Second),
			Retry:   getenvDuration("WORKSPACE_LOCK_RETRY", 20*time.Millisecond),
		},
		Webhook: WebhookConfig{
			Backend: strings.ToLower(getenv("WEBHOOK_BACKEND", "log")),
			Stream:  getenv("WEBHOOK_STREAM", "auditrail:webhooks"),
			Buffer:  getenvInt("WEBHOOK_BUFFER", 1024),
			Secret:  strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		},
		Archival: ArchivalConfig{
			Enabled:         getenvBool("ARCHIVAL_ENABLED", false),
			Interval:        getenvDuration("ARCHIVAL_INTERVAL", time.Hour),
			BatchSize:       getenvInt("ARCHIVAL_BATCH_SIZE", 1000),
			Bucket:          strings.TrimSpace(getenv("ARCHIVAL_BUCKET", "")),
			Endpoint:        strings.TrimSpace(getenv("ARCHIVAL_ENDPOINT", "")),
			Region:          getenv("ARCHIVAL_REGION", "us-east-1"),
			AccessKeyID:     strings.TrimSpace(getenv("ARCHIVAL_ACCESS_KEY_ID", "")),
			SecretAccessKey: strings.TrimSpace(getenv("ARCHIVAL_SECRET_ACCESS_KEY", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("1500ms") or plain milliseconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
