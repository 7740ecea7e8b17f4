package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PROXY_PORT", "PROXY_TARGET_URL", "ANTHROPIC_API_KEY", "PROXY_CONVERTER",
		"PROXY_DEBUG", "PROXY_LOG_DIR", "PROXY_MAX_CONCURRENCY",
		"PROXY_IGNORE_PROBE_REQUESTS", "PROXY_ALLOW_COUNT_TOKENS_FALLBACK",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_RequiresTargetURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXY_TARGET_URL", "https://api.example/v1/responses")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8889, cfg.Port)
	assert.Equal(t, "codex", cfg.Converter)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 0, cfg.MaxConcurrency)
	assert.True(t, cfg.IgnoreProbeRequests)
	assert.True(t, cfg.AllowCountTokensFallbackEstimate)
}

func TestLoad_ReadsOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXY_TARGET_URL", "https://api.example/v1/responses")
	t.Setenv("PROXY_PORT", "9000")
	t.Setenv("PROXY_CONVERTER", "gemini")
	t.Setenv("PROXY_DEBUG", "true")
	t.Setenv("PROXY_MAX_CONCURRENCY", "16")
	t.Setenv("PROXY_IGNORE_PROBE_REQUESTS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "gemini", cfg.Converter)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.False(t, cfg.IgnoreProbeRequests)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXY_TARGET_URL", "https://api.example/v1/responses")
	t.Setenv("PROXY_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8889, cfg.Port)
}
