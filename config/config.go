package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Paid venue lookup
	PlacesBaseURL       string
	PlacesAPIKey        string
	PlacesLookupCostUSD float64 // default: 0.032

	// Monthly budget defaults, applied when a user has no explicit limits
	APISpendLimitUSD float64 // default: 2.00
	APIRunLimit      int64   // default: 500
	AISpendLimitUSD  float64 // default: 5.00
	AIRunLimit       int64   // default: 200

	// Grid cache TTL jitter window, seconds
	GridTTLMinSeconds int64 // default: 21600 (6h)
	GridTTLMaxSeconds int64 // default: 43200 (12h)

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PlacesBaseURL:        getEnv("PLACES_BASE_URL", "https://places.tapfolio.app"),
		PlacesAPIKey:         os.Getenv("PLACES_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.PlacesLookupCostUSD, err = getFloat("PLACES_LOOKUP_COST_USD", 0.032); err != nil {
		return nil, err
	}
	if cfg.APISpendLimitUSD, err = getFloat("API_SPEND_LIMIT_USD", 2.00); err != nil {
		return nil, err
	}
	if cfg.AISpendLimitUSD, err = getFloat("AI_SPEND_LIMIT_USD", 5.00); err != nil {
		return nil, err
	}
	if cfg.APIRunLimit, err = getInt("API_RUN_LIMIT", 500); err != nil {
		return nil, err
	}
	if cfg.AIRunLimit, err = getInt("AI_RUN_LIMIT", 200); err != nil {
		return nil, err
	}
	if cfg.GridTTLMinSeconds, err = getInt("GRID_TTL_MIN_SECONDS", 21600); err != nil {
		return nil, err
	}
	if cfg.GridTTLMaxSeconds, err = getInt("GRID_TTL_MAX_SECONDS", 43200); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.GridTTLMinSeconds <= 0 || cfg.GridTTLMaxSeconds < cfg.GridTTLMinSeconds {
		return nil, fmt.Errorf("invalid grid TTL window: min=%d max=%d", cfg.GridTTLMinSeconds, cfg.GridTTLMaxSeconds)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getInt(key string, fallback int64) (int64, error) {
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
