// Package config loads the engine configuration from the environment,
// with an optional .env file for local development, and the quiz
// schedule files the admin tooling consumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the validated runtime configuration.
type Config struct {
	Env string

	HTTPHost string
	HTTPPort int

	// DatabaseURL is the PostgreSQL DSN. Empty selects the in-memory
	// store, which is only acceptable outside production.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTTTL    time.Duration

	WebhookSecret string

	Timezone   string
	LiveHour   int
	LiveMinute int

	// JoinSlotCap bounds concurrent admissions in the coordinator.
	JoinSlotCap int64
	// JoinRatePerSecond is the local per-process backstop.
	JoinRatePerSecond float64
	JoinBurst         int

	EntryFeePaise int64
}

// Load reads the environment, after merging an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg(".env load failed, continuing with process environment")
		}
	}

	cfg := &Config{
		Env:               envString("APP_ENV", EnvDevelopment),
		HTTPHost:          envString("HTTP_HOST", "0.0.0.0"),
		HTTPPort:          envInt("HTTP_PORT", 8080),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envInt("REDIS_DB", 0),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTTTL:            envDuration("JWT_TTL", time.Hour),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		Timezone:          envString("QUIZ_TIMEZONE", "Asia/Kolkata"),
		LiveHour:          envInt("QUIZ_LIVE_HOUR", 20),
		LiveMinute:        envInt("QUIZ_LIVE_MINUTE", 0),
		JoinSlotCap:       int64(envInt("JOIN_SLOT_CAP", 500)),
		JoinRatePerSecond: float64(envInt("JOIN_RATE_PER_SECOND", 50)),
		JoinBurst:         envInt("JOIN_BURST", 100),
		EntryFeePaise:     int64(envInt("ENTRY_FEE_PAISE", 1000)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if c.LiveHour < 0 || c.LiveHour > 23 || c.LiveMinute < 0 || c.LiveMinute > 59 {
		return fmt.Errorf("config: bad live time %02d:%02d", c.LiveHour, c.LiveMinute)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: bad HTTP port %d", c.HTTPPort)
	}

	if c.Env != EnvProduction {
		// Development fills in throwaway secrets so the stack starts
		// with zero setup.
		if c.JWTSecret == "" {
			c.JWTSecret = "dev-jwt-secret"
		}
		if c.WebhookSecret == "" {
			c.WebhookSecret = "dev-webhook-secret"
		}
		return nil
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required in production")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("config: WEBHOOK_SECRET is required in production")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required in production")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required in production")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Msg("unparseable integer env var, using default")
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Msg("unparseable duration env var, using default")
	}
	return fallback
}
