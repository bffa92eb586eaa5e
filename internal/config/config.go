package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gproxy gateway.
type Config struct {
	Port    int
	Version string

	Upstream  UpstreamConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Admin     AdminConfig

	// Models advertised on GET /v1/models.
	Models []string
	// DefaultModel receives requests whose model is unknown or aliased
	// (e.g. any "gpt-*" name the original clients still send).
	DefaultModel string

	// RandomSeed overrides the per-request PRNG seed. Test only; zero
	// means derive a fresh seed per request.
	RandomSeed int64
}

type UpstreamConfig struct {
	BaseURL string

	// MaxAttempts is the per-request attempt budget across credential
	// failovers.
	MaxAttempts int

	// AttemptTimeout caps one upstream call, RequestTimeout the whole
	// request across all attempts.
	AttemptTimeout time.Duration
	RequestTimeout time.Duration
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL store when set; empty falls back to the
	// in-memory store with JSON snapshot persistence.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AdminConfig struct {
	// Token authenticates the /api/v1 admin surface. Empty disables the
	// admin API entirely.
	Token string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("GPROXY_PORT", 8080),
		Version: envStr("GPROXY_VERSION", "1.0.0"),
		Upstream: UpstreamConfig{
			BaseURL:        envStr("GPROXY_UPSTREAM_BASE_URL", "https://generativelanguage.googleapis.com"),
			MaxAttempts:    envInt("GPROXY_MAX_ATTEMPTS", 3),
			AttemptTimeout: envDuration("GPROXY_ATTEMPT_TIMEOUT", 120*time.Second),
			RequestTimeout: envDuration("GPROXY_REQUEST_TIMEOUT", 10*time.Minute),
		},
		Database: DatabaseConfig{
			URL:            envStr("GPROXY_DATABASE_URL", ""),
			MaxConnections: envInt("GPROXY_DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "gproxy"),
		},
		Admin: AdminConfig{
			Token: envStr("GPROXY_ADMIN_TOKEN", ""),
		},
		Models:       envList("GPROXY_MODELS", []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash"}),
		DefaultModel: envStr("GPROXY_DEFAULT_MODEL", "gemini-1.5-flash"),
		RandomSeed:   envInt64("GPROXY_RANDOM_SEED", 0),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
