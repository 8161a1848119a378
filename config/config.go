// Package config loads workdeck configuration from YAML files with
// environment-variable overrides. Precedence: defaults, then file, then env.
package config

import (
	"fmt"
	"time"
)

// Config is the complete workdeck configuration.
type Config struct {
	// Server is the API server configuration.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// LLM is the model backend configuration.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Workflow is the orchestrator configuration.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Cache is the completion cache configuration.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Store is the run persistence configuration.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" env:"ADDR"`
	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible endpoint root.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Model is the default model identifier.
	Model string `yaml:"model" env:"MODEL"`
	// Timeout bounds one backend call.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// NativeFunctionCalling declares whether the backend supports structured
	// tool calls. When false, tool calls are parsed out of reply text.
	NativeFunctionCalling bool `yaml:"native_function_calling" env:"NATIVE_FUNCTION_CALLING"`
}

// WorkflowConfig configures the orchestrator.
type WorkflowConfig struct {
	// MaxSteps caps the plan size.
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// MaxConcurrentSteps bounds how many ready steps run at once.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" env:"MAX_CONCURRENT_STEPS"`
	// StepTokenBudget trims each step's transcript when positive.
	StepTokenBudget int `yaml:"step_token_budget" env:"STEP_TOKEN_BUDGET"`
	// Temperature passed through to the backend.
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE"`
	// EnableReflection runs a self-assessment after each step by default.
	EnableReflection bool `yaml:"enable_reflection" env:"ENABLE_REFLECTION"`
}

// CacheConfig configures the completion cache.
type CacheConfig struct {
	// Enabled turns caching on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MaxEntries bounds the local LRU layer.
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// TTL expires entries.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// RedisAddr enables the shared Redis layer when set.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// RedisPassword authenticates against Redis.
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// RedisDB selects the Redis database.
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Enabled turns persistence on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-mini",
			Timeout:               120 * time.Second,
			NativeFunctionCalling: true,
		},
		Workflow: WorkflowConfig{
			MaxSteps:           8,
			MaxConcurrentSteps: 1,
			Temperature:        0.2,
			EnableReflection:   false,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxEntries: 512,
			TTL:        time.Hour,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "workdeck.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Workflow.MaxSteps <= 0 {
		return fmt.Errorf("workflow.max_steps must be positive, got %d", c.Workflow.MaxSteps)
	}
	if c.Workflow.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("workflow.max_concurrent_steps must be positive, got %d", c.Workflow.MaxConcurrentSteps)
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when store is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}
