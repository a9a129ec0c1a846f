package config

import (
	"testing"
	"time"

	"github.com/oakmere/flaggate/internal/core"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "HTTP_ADDR", "ENVIRONMENT", "LOG_LEVEL",
		"CACHE_TTL", "REPO_TIMEOUT", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/flaggate")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.Environment != core.EnvironmentAll {
		t.Errorf("Environment = %q, want all", cfg.Environment)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.RepoTimeout != 3*time.Second {
		t.Errorf("RepoTimeout = %v, want 3s", cfg.RepoTimeout)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/flaggate")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("REPO_TIMEOUT", "500ms")
	t.Setenv("AUTH_RATE_LIMIT", "3")
	t.Setenv("MAX_JSON_BODY_SIZE", "2048")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.Environment != core.EnvironmentProduction {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.CacheTTL)
	}
	if cfg.RepoTimeout != 500*time.Millisecond {
		t.Errorf("RepoTimeout = %v, want 500ms", cfg.RepoTimeout)
	}
	if cfg.AuthRateLimit != 3 {
		t.Errorf("AuthRateLimit = %d, want 3", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 2048 {
		t.Errorf("MaxJSONBodySize = %d, want 2048", cfg.MaxJSONBodySize)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown environment", key: "ENVIRONMENT", value: "qa"},
		{name: "malformed cache ttl", key: "CACHE_TTL", value: "fast"},
		{name: "negative cache ttl", key: "CACHE_TTL", value: "-1m"},
		{name: "malformed repo timeout", key: "REPO_TIMEOUT", value: "soon"},
		{name: "zero repo timeout", key: "REPO_TIMEOUT", value: "0s"},
		{name: "non-numeric rate limit", key: "AUTH_RATE_LIMIT", value: "lots"},
		{name: "zero rate limit", key: "AUTH_RATE_LIMIT", value: "0"},
		{name: "zero body size", key: "MAX_JSON_BODY_SIZE", value: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "postgres://localhost:5432/flaggate")
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
