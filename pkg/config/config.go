// Package config loads runtime configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// UpstreamConfig addresses the OpenAI-compatible Responses API.
type UpstreamConfig struct {
	BaseURL      string `validate:"required,url"`
	DefaultModel string `validate:"required"`
	APIKey       string
}

// MCPConfig bounds MCP session lifecycle operations.
type MCPConfig struct {
	InitTimeout      time.Duration `validate:"gt=0"`
	OperationTimeout time.Duration `validate:"gt=0"`
	IdleTimeout      time.Duration `validate:"gt=0"`
	EvictInterval    time.Duration `validate:"gt=0"`

	// CacheTTL bounds the age of the in-memory routing snapshot built from
	// the persisted capability caches. Zero disables the snapshot.
	CacheTTL time.Duration `validate:"gte=0"`
}

// OrchestratorConfig bounds tool execution and persistence retries.
type OrchestratorConfig struct {
	ToolExecutionTimeout time.Duration `validate:"gt=0"`
	MaxRetries           int           `validate:"gte=1"`
	RetryBackoffBase     time.Duration `validate:"gt=0"`

	// StreamTimeout caps one upstream streaming turn. Zero means no cap;
	// the turn ends when the upstream sends a terminal event or closes.
	StreamTimeout time.Duration `validate:"gte=0"`
}

// Config is the full application configuration.
type Config struct {
	Upstream     UpstreamConfig
	MCP          MCPConfig
	Orchestrator OrchestratorConfig

	// EncryptionKey is the 32-byte AES-GCM key protecting stored MCP
	// credentials, supplied base64-encoded in SECRET_ENCRYPTION_KEY.
	EncryptionKey []byte `validate:"required,len=32"`

	HTTPPort            string
	ShutdownGracePeriod time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Upstream: UpstreamConfig{
			BaseURL:      getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
			DefaultModel: getEnv("UPSTREAM_DEFAULT_MODEL", "gpt-4.1"),
			APIKey:       os.Getenv("UPSTREAM_API_KEY"),
		},
		HTTPPort: getEnv("HTTP_PORT", "8080"),
	}

	var err error
	if cfg.MCP.InitTimeout, err = envDuration("MCP_INIT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MCP.OperationTimeout, err = envDuration("MCP_OPERATION_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.MCP.IdleTimeout, err = envDuration("MCP_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MCP.EvictInterval, err = envDuration("MCP_EVICT_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MCP.CacheTTL, err = envDuration("MCP_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Orchestrator.ToolExecutionTimeout, err = envDuration("ORCH_TOOL_EXECUTION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Orchestrator.RetryBackoffBase, err = envDuration("ORCH_RETRY_BACKOFF_BASE", 10*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Orchestrator.StreamTimeout, err = envDuration("ORCH_STREAM_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.ShutdownGracePeriod, err = envDuration("SHUTDOWN_GRACE_PERIOD", 60*time.Second); err != nil {
		return nil, err
	}
	cfg.Orchestrator.MaxRetries = envInt("ORCH_MAX_RETRIES", 3)

	if raw := os.Getenv("SECRET_ENCRYPTION_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("SECRET_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return defaultValue
	}
	return n
}
