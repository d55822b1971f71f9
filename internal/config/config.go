package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration for the API and the reconciliation
// pipeline. Values are read from the environment; a local .env file is
// honored for development.
type Config struct {
	Environment string
	HTTPAddr    string
	DatabaseDSN string

	// Webhook ingestion.
	WebhookSecret  string
	OperatorToken  string
	MaxWebhookBody int64

	Gateway    GatewayConfig
	Dispatcher DispatcherConfig
	Replay     ReplayConfig
	Tracing    TracingConfig

	MetricsEnabled bool
}

// GatewayConfig configures the read-only payment gateway client.
type GatewayConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	MaxAttempts int
}

// DispatcherConfig sizes the in-process reconciliation queue.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// ReplayConfig controls the replay coordinator loop.
type ReplayConfig struct {
	Interval     time.Duration
	BatchSize    int
	PendingGrace time.Duration
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

var (
	ErrMissingDatabaseDSN   = errors.New("missing_database_dsn")
	ErrMissingWebhookSecret = errors.New("missing_webhook_secret")
)

// Load reads configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getString("APP_ENV", "development"),
		HTTPAddr:    getString("HTTP_ADDR", ":8080"),
		DatabaseDSN: strings.TrimSpace(os.Getenv("DATABASE_DSN")),

		WebhookSecret:  strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")),
		OperatorToken:  strings.TrimSpace(os.Getenv("OPERATOR_TOKEN")),
		MaxWebhookBody: getInt64("WEBHOOK_MAX_BODY_BYTES", 64*1024),

		Gateway: GatewayConfig{
			BaseURL:     getString("GATEWAY_BASE_URL", "https://api.gateway.local"),
			AccessToken: strings.TrimSpace(os.Getenv("GATEWAY_ACCESS_TOKEN")),
			Timeout:     getDuration("GATEWAY_TIMEOUT", 5*time.Second),
			MaxAttempts: getInt("GATEWAY_MAX_ATTEMPTS", 3),
		},
		Dispatcher: DispatcherConfig{
			Workers:   getInt("DISPATCH_WORKERS", 4),
			QueueSize: getInt("DISPATCH_QUEUE_SIZE", 256),
		},
		Replay: ReplayConfig{
			Interval:     getDuration("REPLAY_INTERVAL", 5*time.Minute),
			BatchSize:    getInt("REPLAY_BATCH_SIZE", 50),
			PendingGrace: getDuration("REPLAY_PENDING_GRACE", 10*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:          getBool("TRACING_ENABLED", false),
			ServiceName:      getString("TRACING_SERVICE_NAME", "appcheckin"),
			ServiceVersion:   getString("TRACING_SERVICE_VERSION", "dev"),
			ExporterEndpoint: getString("TRACING_EXPORTER_ENDPOINT", "localhost:4317"),
			ExporterProtocol: getString("TRACING_EXPORTER_PROTOCOL", "grpc"),
			SamplingRatio:    getFloat("TRACING_SAMPLING_RATIO", 1.0),
		},

		MetricsEnabled: getBool("METRICS_ENABLED", true),
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, ErrMissingDatabaseDSN
	}
	if cfg.WebhookSecret == "" {
		return Config{}, ErrMissingWebhookSecret
	}

	return cfg, nil
}

// IsProduction reports whether the app runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
