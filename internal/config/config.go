// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPPort    int
	DatabaseURL string
	RedisAddr   string
	CacheTTL    time.Duration
	LogLevel    string
	ServiceName string
}

// Load builds a Config from environment variables. DATABASE_URL is the only
// required variable; everything else has a sensible default. REDIS_ADDR left
// empty means the process falls back to the in-memory rule set cache.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cacheTTL, err := getenvDuration("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	port, err := getenvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:    port,
		DatabaseURL: dbURL,
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		CacheTTL:    cacheTTL,
		LogLevel:    getenv("LOG_LEVEL", "info"),
		ServiceName: getenv("SERVICE_NAME", "taxpadi-engine"),
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5m: %w", key, err)
	}
	return d, nil
}
