// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

// Package config builds the immutable per-process configuration snapshot.
// The snapshot is constructed once in main and passed by reference into each
// component; handlers never read the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AdmissionMode selects how the admission controller treats policy outcomes.
type AdmissionMode string

const (
	// AdmissionShadow evaluates admission policy but never blocks.
	AdmissionShadow AdmissionMode = "shadow"

	// AdmissionEnforce applies the admission policy for real.
	AdmissionEnforce AdmissionMode = "enforce"
)

// Config is the immutable configuration snapshot for one gateway process.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// GatewayMode is reported in the X-Gateway-Mode response header and the
	// health body. It identifies the serving topology, not behavior.
	GatewayMode string

	// RedisURL is the shared control-plane store. Empty means every
	// reliability component runs on its in-process fallback.
	RedisURL string

	// DatabaseURL is the Postgres DSN for the observability event store.
	// Empty disables event retention and the alert monitor.
	DatabaseURL string

	// JWTSecret signs and verifies chat session tokens.
	JWTSecret string

	// MaxBodyBytes caps the chat request body. Requests over the cap get 413.
	MaxBodyBytes int64

	Admission    AdmissionConfig
	RateLimit    RateLimitConfig
	Breaker      BreakerConfig
	Bulkhead     BulkheadConfig
	Orchestrator OrchestratorConfig
	Providers    ProviderConfig
	Alerting     AlertingConfig
}

// AdmissionConfig controls the admission controller.
type AdmissionConfig struct {
	Mode AdmissionMode

	// FailClosedOnError denies requests when the admission backing store is
	// unreachable. When false the request falls back to the plain rate
	// limiter path instead of being admitted unconditionally.
	FailClosedOnError bool

	MaxPerUserInFlight int
	MaxGlobalInFlight  int

	// Global message rate: max messages per window.
	MessageRateMax    int
	MessageRateWindow time.Duration

	// Global tool-invocation rate: max estimated tool calls per window.
	ToolRateMax    int
	ToolRateWindow time.Duration

	// ShadowSamplePercent is the percentage (0-100) of allowed shadow
	// outcomes recorded as events. Blocked and contention outcomes are
	// always recorded.
	ShadowSamplePercent int
}

// RateLimitConfig controls the per-principal fixed-window limiter.
type RateLimitConfig struct {
	MessagesMax int
	Window      time.Duration
}

// BreakerConfig controls per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// BulkheadConfig controls per-dependency concurrency lease pools.
type BulkheadConfig struct {
	MaxConcurrent int
	LeaseTTL      time.Duration
}

// OrchestratorConfig controls the streaming tool loop.
type OrchestratorConfig struct {
	// MaxCycles is the hard ceiling on model-tool round trips per turn.
	MaxCycles int

	// ToolQuotas maps tool name to its per-turn invocation quota.
	ToolQuotas map[string]int

	// ToolCacheTTL is the short TTL for cached tool results.
	ToolCacheTTL time.Duration

	// ProviderTimeout bounds each outbound model call.
	ProviderTimeout time.Duration
}

// ProviderConfig holds upstream provider credentials and the route table.
type ProviderConfig struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	BedrockRegion    string

	// RouteTablePath points at the YAML route table. Empty falls back to
	// built-in defaults.
	RouteTablePath string
}

// AlertingConfig controls the alert monitor.
type AlertingConfig struct {
	Interval       time.Duration
	WindowMinutes  int
	BlockThreshold int
	Cooldown       time.Duration
}

// Load builds the configuration snapshot from the environment. An optional
// .env file in the working directory is loaded first; absence is not an
// error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		GatewayMode:  getEnv("GATEWAY_MODE", "streaming"),
		RedisURL:     os.Getenv("REDIS_URL"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
		Admission: AdmissionConfig{
			Mode:                AdmissionMode(getEnv("ADMISSION_MODE", string(AdmissionShadow))),
			FailClosedOnError:   getEnvBool("ADMISSION_FAIL_CLOSED", true),
			MaxPerUserInFlight:  getEnvInt("ADMISSION_MAX_PER_USER_INFLIGHT", 2),
			MaxGlobalInFlight:   getEnvInt("ADMISSION_MAX_GLOBAL_INFLIGHT", 200),
			MessageRateMax:      getEnvInt("ADMISSION_MESSAGE_RATE_MAX", 600),
			MessageRateWindow:   getEnvDuration("ADMISSION_MESSAGE_RATE_WINDOW", time.Minute),
			ToolRateMax:         getEnvInt("ADMISSION_TOOL_RATE_MAX", 1200),
			ToolRateWindow:      getEnvDuration("ADMISSION_TOOL_RATE_WINDOW", time.Minute),
			ShadowSamplePercent: getEnvInt("ADMISSION_SHADOW_SAMPLE_PERCENT", 10),
		},
		RateLimit: RateLimitConfig{
			MessagesMax: getEnvInt("RATE_LIMIT_MESSAGES_MAX", 20),
			Window:      getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Bulkhead: BulkheadConfig{
			MaxConcurrent: getEnvInt("BULKHEAD_MAX_CONCURRENT", 32),
			LeaseTTL:      getEnvDuration("BULKHEAD_LEASE_TTL", 2*time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			MaxCycles: getEnvInt("ORCHESTRATOR_MAX_CYCLES", 6),
			ToolQuotas: map[string]int{
				"web_search":     getEnvInt("TOOL_QUOTA_WEB_SEARCH", 3),
				"product_search": getEnvInt("TOOL_QUOTA_PRODUCT_SEARCH", 5),
				"current_time":   getEnvInt("TOOL_QUOTA_CURRENT_TIME", 1),
			},
			ToolCacheTTL:    getEnvDuration("TOOL_CACHE_TTL", 5*time.Minute),
			ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		},
		Providers: ProviderConfig{
			AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
			OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
			BedrockRegion:    os.Getenv("BEDROCK_REGION"),
			RouteTablePath:   os.Getenv("ROUTE_TABLE_PATH"),
		},
		Alerting: AlertingConfig{
			Interval:       getEnvDuration("ALERT_INTERVAL", time.Minute),
			WindowMinutes:  getEnvInt("ALERT_WINDOW_MINUTES", 5),
			BlockThreshold: getEnvInt("ALERT_BLOCK_THRESHOLD", 50),
			Cooldown:       getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Admission.Mode {
	case AdmissionShadow, AdmissionEnforce:
	default:
		return fmt.Errorf("invalid ADMISSION_MODE %q (want shadow or enforce)", c.Admission.Mode)
	}
	if p := c.Admission.ShadowSamplePercent; p < 0 || p > 100 {
		return fmt.Errorf("ADMISSION_SHADOW_SAMPLE_PERCENT must be 0-100, got %d", p)
	}
	if c.Orchestrator.MaxCycles < 1 {
		return fmt.Errorf("ORCHESTRATOR_MAX_CYCLES must be >= 1, got %d", c.Orchestrator.MaxCycles)
	}
	return nil
}

// HasProviderKey reports whether at least one upstream provider credential is
// configured. The health endpoint treats this as a hard dependency.
func (c *Config) HasProviderKey() bool {
	return c.Providers.AnthropicAPIKey != "" ||
		c.Providers.OpenAIAPIKey != "" ||
		c.Providers.BedrockRegion != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
