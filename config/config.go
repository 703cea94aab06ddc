// Package config loads process configuration from the environment, after
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port int

	DBDriver    string
	SQLitePath  string
	DatabaseURL string

	// RedisAddr enables the stock cache when set.
	RedisAddr     string
	StockCacheTTL time.Duration

	// IdempotencyTTL of 0 keeps idempotency records forever.
	IdempotencyTTL    time.Duration
	RetentionInterval time.Duration

	CORSAllowedOrigins []string

	LogLevel  string
	LogFormat string
}

// Load reads .env (if present) and then the environment. Variables already
// set in the environment win over .env.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:               getInt("PORT", 8080, &errs),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/stock.db"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		StockCacheTTL:      getDuration("STOCK_CACHE_TTL", 10*time.Minute, &errs),
		IdempotencyTTL:     getDuration("IDEMPOTENCY_TTL", 0, &errs),
		RetentionInterval:  getDuration("RETENTION_INTERVAL", time.Hour, &errs),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	if cfg.DBDriver == DriverPostgres && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = PostgresDSNFromParts()
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER: unknown driver %q (want %q or %q)", c.DBDriver, DriverSQLite, DriverPostgres)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT: %d out of range", c.Port)
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL: must not be negative")
	}
	return nil
}

// PostgresDSNFromParts builds a key=value DSN from POSTGRES_* variables,
// falling back to the older DATABASE_* names.
func PostgresDSNFromParts() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnvFirst("localhost", "POSTGRES_HOST", "DATABASE_HOST"),
		getEnvFirst("5432", "POSTGRES_PORT", "DATABASE_PORT"),
		getEnvFirst("postgres", "POSTGRES_USER", "DATABASE_USER"),
		getEnvFirst("postgres", "POSTGRES_PASSWORD", "DATABASE_PASSWORD"),
		getEnvFirst("stock", "POSTGRES_DB", "DATABASE_NAME"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func getEnv(key, def string) string {
	return getEnvFirst(def, key)
}

// getEnvFirst returns the first non-empty variable among keys.
func getEnvFirst(def string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
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
