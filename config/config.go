package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var trueValues = map[string]bool{
	"1": true, "true": true, "yes": true, "on": true, "enable": true, "enabled": true,
}

type Config struct {
	// Server
	Port string // default: 8080

	// Database (metering ledger)
	PostgresDSN string

	// Cache / KV (sessions, nonces)
	RedisAddr string

	// Platform credentials
	AgentID        string
	AgentKey       string // HMAC secret shared with the host platform
	UpstreamAPIKey string

	// Upstream endpoints
	UpstreamAPIBase     string // default: https://api.mulerun.com
	MeteringEndpoint    string
	MeteringGetEndpoint string // default: https://api.mulerun.com/sessions/metering

	// Session authorization
	SessionAllowedOrigins     string // comma-separated hostnames, "*"/"all" disables
	SessionTTLSeconds         string
	SessionValidationDisabled string
	SessionRequireFingerprint string
	DevSessionAllowlist       string
	InternalMeteringToken     string

	// Pricing
	MarkupMultiplier  string // raw string, parsed and clamped by the pricing engine
	PricingConfigPath string // default: pricing.config.json

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		PostgresDSN:               os.Getenv("POSTGRES_DSN"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		AgentID:                   os.Getenv("AGENT_ID"),
		AgentKey:                  os.Getenv("AGENT_KEY"),
		UpstreamAPIKey:            os.Getenv("MULERUN_API_KEY"),
		UpstreamAPIBase:           getEnv("MULERUN_API_BASE", "https://api.mulerun.com"),
		MeteringEndpoint:          os.Getenv("METERING_ENDPOINT"),
		MeteringGetEndpoint:       getEnv("METERING_GET_ENDPOINT", "https://api.mulerun.com/sessions/metering"),
		SessionAllowedOrigins:     getEnv("SESSION_ALLOWED_ORIGINS", "mulerun.com"),
		SessionTTLSeconds:         os.Getenv("SESSION_TTL_SECONDS"),
		SessionValidationDisabled: os.Getenv("SESSION_VALIDATION_DISABLED"),
		SessionRequireFingerprint: os.Getenv("SESSION_REQUIRE_FINGERPRINT"),
		DevSessionAllowlist:       os.Getenv("DEV_SESSION_ALLOWLIST"),
		InternalMeteringToken:     os.Getenv("INTERNAL_METERING_TOKEN"),
		MarkupMultiplier:          os.Getenv("PRICING_MARKUP_MULTIPLIER"),
		PricingConfigPath:         getEnv("PRICING_CONFIG_PATH", "pricing.config.json"),
		OTELExporterType:          getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:      getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if !cfg.ValidationDisabled() && cfg.AgentKey == "" {
		return nil, fmt.Errorf("AGENT_KEY is required unless SESSION_VALIDATION_DISABLED is set")
	}

	return cfg, nil
}

// ValidationDisabled reports whether session checks are globally bypassed
// for local development.
func (c *Config) ValidationDisabled() bool {
	return isTruthy(c.SessionValidationDisabled)
}

// FingerprintRequired reports whether fingerprint mismatches reject a session.
func (c *Config) FingerprintRequired() bool {
	return isTruthy(c.SessionRequireFingerprint)
}

// SessionTTL resolves the configured default session TTL. Zero means unset;
// the session store applies its own default.
func (c *Config) SessionTTL() time.Duration {
	raw := strings.TrimSpace(c.SessionTTLSeconds)
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func isTruthy(raw string) bool {
	return trueValues[strings.ToLower(strings.TrimSpace(raw))]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
