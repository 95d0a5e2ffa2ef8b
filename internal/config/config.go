package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL   string
	MigrationsDir string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string

	// Player sessions
	SessionLifetime     time.Duration
	ReapInterval        time.Duration
	MaxRehashAttempts   int
	ReclaimOnExhaustion bool
	ExhaustedRetryAfter time.Duration
	OpenInstanceLimit   int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                getEnvOrDefault("PORT", "8080"),
		Env:                 getEnvOrDefault("ENV", "development"),
		DatabaseURL:         mustGetEnv("DATABASE_URL"),
		MigrationsDir:       getEnvOrDefault("MIGRATIONS_DIR", "migrations"),
		RedisURL:            mustGetEnv("REDIS_URL"),
		JWTSecret:           mustGetEnv("JWT_SECRET"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		SessionLifetime:     getEnvAsDurationOrDefault("SESSION_LIFETIME", 14*24*time.Hour),
		ReapInterval:        getEnvAsDurationOrDefault("REAP_INTERVAL", time.Hour),
		MaxRehashAttempts:   getEnvAsIntOrDefault("MAX_REHASH_ATTEMPTS", 10000),
		ReclaimOnExhaustion: getEnvAsBoolOrDefault("RECLAIM_ON_EXHAUSTION", true),
		ExhaustedRetryAfter: getEnvAsDurationOrDefault("EXHAUSTED_RETRY_AFTER", time.Minute),
		OpenInstanceLimit:   getEnvAsIntOrDefault("OPEN_INSTANCE_LIMIT_PER_MINUTE", 120),
		FrontendURL:         getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

// Validate rejects knobs that would stall the allocator or the reaper.
func (c *Config) Validate() error {
	var errs []error
	if c.SessionLifetime <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_LIFETIME must be positive, got %s", c.SessionLifetime))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("REAP_INTERVAL must be positive, got %s", c.ReapInterval))
	}
	if c.MaxRehashAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REHASH_ATTEMPTS must be positive, got %d", c.MaxRehashAttempts))
	}
	if c.ExhaustedRetryAfter < 0 {
		errs = append(errs, fmt.Errorf("EXHAUSTED_RETRY_AFTER must not be negative, got %s", c.ExhaustedRetryAfter))
	}
	if c.OpenInstanceLimit <= 0 {
		errs = append(errs, fmt.Errorf("OPEN_INSTANCE_LIMIT_PER_MINUTE must be positive, got %d", c.OpenInstanceLimit))
	}
	return errors.Join(errs...)
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("336h") or a bare number of seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
