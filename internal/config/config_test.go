package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

database:
  host: localhost
  port: 5432
  user: gateway
  name: gateway

providers:
  openai:
    api_key: ${TEST_API_KEY}
    base_url: https://api.openai.com/v1
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
    base_url: https://api.anthropic.com/v1
  gigachat:
    auth_key: ${TEST_GIGACHAT_KEY}
    scope: GIGACHAT_API_PERS
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_API_KEY", "my-secret-key")
	t.Setenv("TEST_ANTHROPIC_KEY", "my-anthropic-key")
	t.Setenv("TEST_GIGACHAT_KEY", "my-gigachat-key")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, "my-secret-key", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, "my-anthropic-key", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, "my-gigachat-key", cfg.Providers.GigaChat.AuthKey)

	// Defaults should be filled in for everything the fixture omitted.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
	assert.Equal(t, "HS256", cfg.JWT.Algorithm)
}

func TestLoadEnvOverride(t *testing.T) {
	// Verify that GATEWAY_ env vars override YAML values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("GATEWAY_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadDefaultsWithoutOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 32_000, cfg.MaxContentLength)
	assert.Equal(t, 30, cfg.LLMTimeoutSeconds)
}
