package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workdeck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 8, cfg.Workflow.MaxSteps)
	assert.Equal(t, 1, cfg.Workflow.MaxConcurrentSteps)
	assert.True(t, cfg.LLM.NativeFunctionCalling)
	assert.False(t, cfg.Store.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
llm:
  base_url: "http://localhost:11434/v1"
  model: "qwen2.5"
  native_function_calling: false
workflow:
  max_steps: 12
  temperature: 0.7
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
	assert.False(t, cfg.LLM.NativeFunctionCalling)
	assert.Equal(t, 12, cfg.Workflow.MaxSteps)
	assert.InDelta(t, 0.7, cfg.Workflow.Temperature, 1e-6)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 1, cfg.Workflow.MaxConcurrentSteps)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/nonexistent/workdeck.yaml").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  model: "from-file"
`)
	t.Setenv("WORKDECK_LLM_MODEL", "from-env")
	t.Setenv("WORKDECK_LLM_API_KEY", "sk-test")
	t.Setenv("WORKDECK_WORKFLOW_MAX_STEPS", "3")
	t.Setenv("WORKDECK_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("WORKDECK_WORKFLOW_ENABLE_REFLECTION", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Workflow.MaxSteps)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Workflow.EnableReflection)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("ACME_LLM_MODEL", "acme-model")

	cfg, err := NewLoader().WithEnvPrefix("ACME").Load()
	require.NoError(t, err)
	assert.Equal(t, "acme-model", cfg.LLM.Model)
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	t.Setenv("WORKDECK_WORKFLOW_MAX_STEPS", "lots")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKDECK_WORKFLOW_MAX_STEPS")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing base url", func(c *Config) { c.LLM.BaseURL = "" }, "llm.base_url"},
		{"missing model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"zero max steps", func(c *Config) { c.Workflow.MaxSteps = 0 }, "max_steps"},
		{"zero concurrency", func(c *Config) { c.Workflow.MaxConcurrentSteps = 0 }, "max_concurrent_steps"},
		{"store enabled without path", func(c *Config) { c.Store.Enabled = true; c.Store.Path = "" }, "store.path"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoaderCustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}
