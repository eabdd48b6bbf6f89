package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEncryptionKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	t.Setenv("SECRET_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
}

func TestLoad_Defaults(t *testing.T) {
	setEncryptionKey(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.openai.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, "gpt-4.1", cfg.Upstream.DefaultModel)
	assert.Equal(t, 10*time.Second, cfg.MCP.InitTimeout)
	assert.Equal(t, 15*time.Second, cfg.MCP.OperationTimeout)
	assert.Equal(t, 30*time.Minute, cfg.MCP.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.MCP.EvictInterval)
	assert.Equal(t, 5*time.Minute, cfg.MCP.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ToolExecutionTimeout)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Orchestrator.RetryBackoffBase)
	assert.Equal(t, time.Duration(0), cfg.Orchestrator.StreamTimeout)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.ShutdownGracePeriod)
	assert.Len(t, cfg.EncryptionKey, 32)
}

func TestLoad_Overrides(t *testing.T) {
	setEncryptionKey(t)
	t.Setenv("UPSTREAM_BASE_URL", "https://llm.internal:8443/v1")
	t.Setenv("UPSTREAM_DEFAULT_MODEL", "gpt-4.1-mini")
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("MCP_INIT_TIMEOUT", "5s")
	t.Setenv("MCP_EVICT_INTERVAL", "30s")
	t.Setenv("ORCH_STREAM_TIMEOUT", "2m")
	t.Setenv("ORCH_MAX_RETRIES", "5")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://llm.internal:8443/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, "gpt-4.1-mini", cfg.Upstream.DefaultModel)
	assert.Equal(t, "sk-test", cfg.Upstream.APIKey)
	assert.Equal(t, 5*time.Second, cfg.MCP.InitTimeout)
	assert.Equal(t, 30*time.Second, cfg.MCP.EvictInterval)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.StreamTimeout)
	assert.Equal(t, 5, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, "9090", cfg.HTTPPort)
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEncryptionKey(t)
	t.Setenv("MCP_INIT_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_INIT_TIMEOUT")
}

func TestLoad_MissingEncryptionKey(t *testing.T) {
	t.Setenv("SECRET_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_EncryptionKeyNotBase64(t *testing.T) {
	t.Setenv("SECRET_ENCRYPTION_KEY", "not base64!!!")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid base64")
}

func TestLoad_EncryptionKeyWrongLength(t *testing.T) {
	t.Setenv("SECRET_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_BadIntFallsBackToDefault(t *testing.T) {
	setEncryptionKey(t)
	t.Setenv("ORCH_MAX_RETRIES", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
}
