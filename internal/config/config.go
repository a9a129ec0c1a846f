// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - ENVIRONMENT: environment this server evaluates in when a request
//     omits one ("all", "development", "staging", "production";
//     default "all").
//   - LOG_LEVEL: slog level (default "info").
//   - CACHE_TTL: freshness window for cached flag definitions
//     (default "5m", must be > 0 if set).
//   - REPO_TIMEOUT: per-call deadline for flag store queries
//     (default "3s", must be > 0 if set).
//   - AUTH_RATE_LIMIT: allowed authentication failures per minute per IP
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oakmere/flaggate/internal/core"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultCacheTTL              = 5 * time.Minute
	defaultRepoTimeout           = 3 * time.Second
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the flaggate server.
type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	Environment     core.Environment
	LogLevel        string
	CacheTTL        time.Duration
	RepoTimeout     time.Duration
	AuthRateLimit   int
	MaxJSONBodySize int64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	environment := core.EnvironmentAll
	if value := strings.TrimSpace(os.Getenv("ENVIRONMENT")); value != "" {
		parsed, err := core.ParseEnvironment(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENVIRONMENT: %w", err)
		}
		environment = parsed
	}

	cacheTTL := defaultCacheTTL
	if value := strings.TrimSpace(os.Getenv("CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_TTL must be > 0")
		}
		cacheTTL = parsed
	}

	repoTimeout := defaultRepoTimeout
	if value := strings.TrimSpace(os.Getenv("REPO_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse REPO_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("REPO_TIMEOUT must be > 0")
		}
		repoTimeout = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:     databaseURL,
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		Environment:     environment,
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		CacheTTL:        cacheTTL,
		RepoTimeout:     repoTimeout,
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
