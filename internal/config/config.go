package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string
	CORSOrigins []string

	LogLevel  string
	LogFormat string

	OTLPEndpoint   string
	OTLPProtocol   string
	TracingEnabled bool
	MetricsEnabled bool

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBSlowQuery       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogFile string

	Metering  MeteringConfig
	Alerts    AlertConfig
	RateLimit RateLimitConfig
	Export    ExportConfig
	Payment   PaymentProviderConfig
	Slack     SlackConfig
	Scheduler SchedulerConfig
}

type CloudConfig struct {
	Metrics CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// MeteringConfig controls how usage summaries are windowed.
type MeteringConfig struct {
	// Period is the summary granularity: day, week or month.
	Period string
}

type AlertConfig struct {
	AnomalyDetection bool
	AnomalyFactor    float64
	AnomalyMinUsage  float64
}

type RateLimitConfig struct {
	Enabled  bool
	OrgRate  float64
	OrgBurst int
}

type ExportConfig struct {
	Workers        int
	Store          string
	LocalDir       string
	QueueKey       string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

type PaymentProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type SlackConfig struct {
	WebhookURL string
	Channel    string
}

type SchedulerConfig struct {
	InvoiceInterval time.Duration
	ReportInterval  time.Duration
	AnomalyInterval time.Duration
	LockTTL         time.Duration
	BatchSize       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getenv("APP_SERVICE", "tally"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Environment:    getenv("ENVIRONMENT", "development"),
		HTTPPort:       getenv("HTTP_PORT", "8080"),
		CORSOrigins:    splitList(getenv("CORS_ALLOWED_ORIGINS", "")),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "json"),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:   strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),
		TracingEnabled: getenvBool("TRACING_ENABLED", false),
		MetricsEnabled: getenvBool("OTEL_METRICS_ENABLED", false),
		Cloud: CloudConfig{
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", false),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
				Interval:  getenvDuration("CLOUD_METRICS_INTERVAL", 30*time.Second),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tally"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tally.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:           getenvInt("REDIS_DB", 0),
		CatalogFile:       strings.TrimSpace(getenv("CATALOG_FILE", "")),
		Metering: MeteringConfig{
			Period: strings.ToLower(getenv("METERING_PERIOD", "month")),
		},
		Alerts: AlertConfig{
			AnomalyDetection: getenvBool("ALERT_ANOMALY_DETECTION", false),
			AnomalyFactor:    getenvFloat("ALERT_ANOMALY_FACTOR", 3),
			AnomalyMinUsage:  getenvFloat("ALERT_ANOMALY_MIN_USAGE", 100),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getenvBool("RATE_LIMIT_ENABLED", false),
			OrgRate:  getenvFloat("RATE_LIMIT_USAGE_ORG_RATE", 50),
			OrgBurst: getenvInt("RATE_LIMIT_USAGE_ORG_BURST", 100),
		},
		Export: ExportConfig{
			Workers:        getenvInt("EXPORT_WORKERS", 2),
			Store:          strings.ToLower(getenv("EXPORT_STORE", "local")),
			LocalDir:       getenv("EXPORT_LOCAL_DIR", "exports"),
			QueueKey:       getenv("EXPORT_QUEUE_KEY", "tally:exports:queue"),
			S3Bucket:       strings.TrimSpace(getenv("EXPORT_S3_BUCKET", "")),
			S3Region:       getenv("EXPORT_S3_REGION", "us-east-1"),
			S3Endpoint:     strings.TrimSpace(getenv("EXPORT_S3_ENDPOINT", "")),
			S3AccessKey:    strings.TrimSpace(getenv("EXPORT_S3_ACCESS_KEY", "")),
			S3SecretKey:    strings.TrimSpace(getenv("EXPORT_S3_SECRET_KEY", "")),
			S3UsePathStyle: getenvBool("EXPORT_S3_USE_PATH_STYLE", true),
		},
		Payment: PaymentProviderConfig{
			Name:    strings.ToLower(getenv("PAYMENT_PROVIDER", "noop")),
			APIKey:  strings.TrimSpace(getenv("PAYMENT_PROVIDER_API_KEY", "")),
			BaseURL: strings.TrimSpace(getenv("PAYMENT_PROVIDER_BASE_URL", "https://api.stripe.com")),
			Timeout: getenvDuration("PAYMENT_PROVIDER_TIMEOUT", 10*time.Second),
		},
		Slack: SlackConfig{
			WebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			Channel:    getenv("SLACK_CHANNEL", "#billing-alerts"),
		},
		Scheduler: SchedulerConfig{
			InvoiceInterval: getenvDuration("SCHEDULER_INVOICE_INTERVAL", 5*time.Minute),
			ReportInterval:  getenvDuration("SCHEDULER_REPORT_INTERVAL", time.Minute),
			AnomalyInterval: getenvDuration("SCHEDULER_ANOMALY_INTERVAL", 15*time.Minute),
			LockTTL:         getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
			BatchSize:       getenvInt("SCHEDULER_BATCH_SIZE", 100),
		},
	}

	return cfg
}

// RedisEnabled reports whether a Redis address is configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
