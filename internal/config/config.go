// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL   string
	RedisURL      string
	CacheTTL      time.Duration
	RunMigrations bool

	// Distribution engine.
	AgentOverridePercent    decimal.Decimal
	DistributionConcurrency int

	// Realtime dashboard aggregate interval.
	DashboardInterval time.Duration

	// Per-client API rate limit.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Defaults.
const (
	DefaultPort                    = "8080"
	DefaultCacheTTL                = 30 * time.Second
	DefaultAgentOverridePercent    = 30
	DefaultDistributionConcurrency = 8
	DefaultDashboardInterval       = 30 * time.Second
	DefaultRateLimitRPS            = 20
	DefaultRateLimitBurst          = 40
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	l := loader{}
	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		LogLevel:                l.getLevel("LOG_LEVEL", slog.LevelInfo),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		CacheTTL:                l.getDuration("CACHE_TTL", DefaultCacheTTL),
		RunMigrations:           l.getBool("RUN_MIGRATIONS", true),
		AgentOverridePercent:    l.getDecimal("AGENT_OVERRIDE_PERCENT", decimal.NewFromInt(DefaultAgentOverridePercent)),
		DistributionConcurrency: l.getInt("DISTRIBUTION_CONCURRENCY", DefaultDistributionConcurrency),
		DashboardInterval:       l.getDuration("DASHBOARD_INTERVAL", DefaultDashboardInterval),
		RateLimitRPS:            l.getFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:          l.getInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}
	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.AgentOverridePercent.IsNegative() || c.AgentOverridePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("AGENT_OVERRIDE_PERCENT must be within [0, 100], got %s", c.AgentOverridePercent)
	}
	if c.DistributionConcurrency < 1 {
		return fmt.Errorf("DISTRIBUTION_CONCURRENCY must be at least 1")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.DashboardInterval <= 0 {
		return fmt.Errorf("DASHBOARD_INTERVAL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loader parses typed values and keeps the first error.
type loader struct {
	err error
}

func (l *loader) parse(key string, fn func(string) error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || l.err != nil {
		return
	}
	if err := fn(v); err != nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
}

func (l *loader) getInt(key string, fallback int) int {
	out := fallback
	l.parse(key, func(v string) (err error) { out, err = strconv.Atoi(v); return })
	return out
}

func (l *loader) getFloat(key string, fallback float64) float64 {
	out := fallback
	l.parse(key, func(v string) (err error) { out, err = strconv.ParseFloat(v, 64); return })
	return out
}

func (l *loader) getBool(key string, fallback bool) bool {
	out := fallback
	l.parse(key, func(v string) (err error) { out, err = strconv.ParseBool(v); return })
	return out
}

func (l *loader) getDuration(key string, fallback time.Duration) time.Duration {
	out := fallback
	l.parse(key, func(v string) (err error) { out, err = time.ParseDuration(v); return })
	return out
}

func (l *loader) getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	out := fallback
	l.parse(key, func(v string) (err error) { out, err = decimal.NewFromString(v); return })
	return out
}

func (l *loader) getLevel(key string, fallback slog.Level) slog.Level {
	out := fallback
	l.parse(key, func(v string) error { return out.UnmarshalText([]byte(v)) })
	return out
}
