package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port           string // default: 8080
	LogLevel       string // default: info
	Environment    string // default: development
	ServiceVersion string // default: dev

	// Database
	PostgresDSN   string
	RunMigrations bool
	RunSeed       bool // seeds a dev user, API key and credits

	// Cache and job queue
	RedisAddr string

	// Metered billing provider
	StripeSecretKey  string
	StripeMeterEvent string // default: usage_ledger_usage

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // default: 1

	// Rate Limiting
	DefaultRateLimitRPM int64 // API requests per minute per user, default: 600

	// Usage guard
	FreeMessageLimit int64 // degraded-mode message cap, default: 20

	// Reconciliation sweep
	SweepInterval     time.Duration // default: 10m
	SweepBatchSize    int           // default: 500
	SweepConcurrency  int           // default: 25
	SweepMinAge       time.Duration // default: 1m
	ReportMaxEventAge time.Duration // default: 35 days
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		Environment:          getEnv("APP_ENV", "development"),
		ServiceVersion:       getEnv("SERVICE_VERSION", "dev"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RunMigrations:        os.Getenv("RUN_MIGRATIONS") == "true",
		RunSeed:              os.Getenv("RUN_SEED") == "true",
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeMeterEvent:     getEnv("STRIPE_METER_EVENT", "usage_ledger_usage"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DefaultRateLimitRPM, err = getInt64("DEFAULT_RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if cfg.FreeMessageLimit, err = getInt64("FREE_MESSAGE_LIMIT", 20); err != nil {
		return nil, err
	}

	if cfg.OTELSampleRatio, err = getFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.OTELSampleRatio < 0 || cfg.OTELSampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}

	batch, err := getInt64("SWEEP_BATCH_SIZE", 500)
	if err != nil {
		return nil, err
	}
	cfg.SweepBatchSize = int(batch)

	concurrency, err := getInt64("SWEEP_CONCURRENCY", 25)
	if err != nil {
		return nil, err
	}
	cfg.SweepConcurrency = int(concurrency)

	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepMinAge, err = getDuration("SWEEP_MIN_AGE", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReportMaxEventAge, err = getDuration("REPORT_MAX_EVENT_AGE", 35*24*time.Hour); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.SweepBatchSize <= 0 || cfg.SweepConcurrency <= 0 {
		return nil, fmt.Errorf("SWEEP_BATCH_SIZE and SWEEP_CONCURRENCY must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
