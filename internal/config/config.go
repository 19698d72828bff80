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

type Config struct {
	// DBSource selects Postgres. Empty runs the ledger in memory.
	DBSource string
	Port     string
	Env      string
	LogLevel string

	// RedisURL points at the hash FX rates are read from. Without it the
	// static FXRates table is used.
	RedisURL string
	FXRates  string

	RabbitMQURL      string
	RabbitMQExchange string

	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string
	// PaymentsToken lets the payment integration credit settled deposits.
	// The admin token is accepted there too.
	PaymentsToken string

	RecoveryStaleAfter time.Duration
	RecoverySchedule   string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from the environment, after applying a .env file
// in the working directory if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBSource:         os.Getenv("DB_SOURCE"),
		Port:             getEnv("SERVER_PORT", "8080"),
		Env:              getEnv("ENVIRONMENT", "development"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		FXRates:          getEnv("FX_RATES", "USD:EUR=0.92,USD:GBP=0.79,USD:MXN=17.10"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "ledger.events"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		PaymentsToken:    os.Getenv("PAYMENTS_TOKEN"),
		RecoverySchedule: getEnv("RECOVERY_SCHEDULE", "@every 1m"),
	}

	var err error
	if cfg.RecoveryStaleAfter, err = getDuration("RECOVERY_STALE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 100); err != nil {
		return nil, err
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("SERVER_PORT must be a number, got %q", cfg.Port)
	}
	if cfg.RecoveryStaleAfter <= 0 {
		return nil, fmt.Errorf("RECOVERY_STALE_AFTER must be positive")
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		return nil, fmt.Errorf("rate limits must not be negative")
	}
	return cfg, nil
}

// InMemory reports whether the ledger runs without a database.
func (c *Config) InMemory() bool {
	return c.DBSource == ""
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
