// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const minSecretBytes = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	AlertWebhookURL string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWorkers    int    `mapstructure:"ALERT_WORKERS"`
	MetricsPort     string `mapstructure:"METRICS_PORT"`

	CORSAllowedOrigins []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	InboxTTL           time.Duration `mapstructure:"INBOX_TTL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "JWT_ISSUER",
	"KAFKA_BROKERS", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"ALERT_WEBHOOK_URL", "ALERT_WORKERS", "METRICS_PORT",
	"CORS_ALLOWED_ORIGINS", "SHUTDOWN_TIMEOUT", "INBOX_TTL",
}

// Load reads .env if present, then the environment. It does not validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "pharmpos")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("ALERT_WORKERS", 4)
	v.SetDefault("METRICS_PORT", "9091")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("INBOX_TTL", "24h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSAllowedOrigins = splitList(v.GetString("CORS_ALLOWED_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max > 0",
			c.DBMinConns, c.DBMaxConns)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDev() && len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes outside development", minSecretBytes)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.OutboxBatchSize <= 0 || c.AlertWorkers <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE and ALERT_WORKERS must be positive")
	}
	if c.OutboxPollInterval <= 0 || c.ShutdownTimeout <= 0 || c.InboxTTL <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL, SHUTDOWN_TIMEOUT and INBOX_TTL must be positive")
	}
	return nil
}
