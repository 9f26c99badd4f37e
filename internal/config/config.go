// Package config loads nodeframe's YAML configuration, the same
// load-defaults-then-overlay-YAML-then-apply-env shape codenerd's
// internal/config/config.go used, adapted to nodeframe's components
// instead of codenerd's LLM-agent settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all nodeframe configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	DataDir string `yaml:"data_dir"`

	Logging  LoggingConfig  `yaml:"logging"`
	Provider ProviderConfig `yaml:"provider"`
	Queue    QueueConfig    `yaml:"queue"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Metadata MetadataConfig `yaml:"metadata"`
	Ignore   IgnoreConfig   `yaml:"ignore"`
	Agents   []AgentConfig  `yaml:"agents"`
}

// AgentConfig declares one agent identity the engine registers at
// startup (internal/agents.Registry). Role is "reader", "writer", or
// "synthesis" (spec §4.14's capability classes).
type AgentConfig struct {
	AgentID             string            `yaml:"agent_id"`
	Role                string            `yaml:"role"`
	SystemPrompt        string            `yaml:"system_prompt"`
	UserPromptTemplates map[string]string `yaml:"user_prompt_templates"` // frame_type -> template
}

// LoggingConfig mirrors logging.Config for YAML/env purposes.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// ProviderConfig selects and configures the LLM provider backing
// generation requests (internal/provider).
type ProviderConfig struct {
	Type    string `yaml:"type"` // "genai" | "mock"
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// QueueConfig configures the Frame Generation Queue (spec §5 / C12).
type QueueConfig struct {
	MaxQueueSize          int `yaml:"max_queue_size"`
	MaxConcurrentPerAgent int `yaml:"max_concurrent_per_agent"`
	WorkersPerAgent       int `yaml:"workers_per_agent"`
	MinDelayMs            int `yaml:"min_delay_ms"`
	MaxRetries            int `yaml:"max_retries"`
}

// LifecycleConfig holds the lifecycle settings (spec §6 / C10). Nothing
// reads DefaultTTLSeconds: compaction uses internal/lifecycle's own
// 90-day default unless a TTL is passed to it.
type LifecycleConfig struct {
	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`
}

// MetadataConfig holds size budgets (spec §4.7 / C7). The Metadata
// Registry does not read it; internal/engine uses the larger of the
// prompt and context artifact budgets as the Artifact CAS's Put limit,
// and DefaultMaxBytes is read nowhere.
type MetadataConfig struct {
	DefaultMaxBytes       int `yaml:"default_max_bytes"`
	PromptArtifactMaxBytes int `yaml:"prompt_artifact_max_bytes"`
	ContextArtifactMaxBytes int `yaml:"context_artifact_max_bytes"`
}

// IgnoreConfig configures the Ignore Engine's extra sources (spec §4.8 / C8).
type IgnoreConfig struct {
	ExtraPatterns []string `yaml:"extra_patterns"`
}

// DefaultConfig returns nodeframe's baked-in defaults, overridden by any
// loaded YAML file and then by environment variables.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nodeframe",
		Version: "0.1.0",
		DataDir: ".nodeframe",

		Logging: LoggingConfig{
			Level: "info",
		},

		Provider: ProviderConfig{
			Type:    "genai",
			Model:   "gemini-2.0-flash",
			Timeout: "120s",
		},

		Queue: QueueConfig{
			MaxQueueSize:          10000,
			MaxConcurrentPerAgent: 3,
			WorkersPerAgent:       2,
			MinDelayMs:            0,
			MaxRetries:            3,
		},

		Lifecycle: LifecycleConfig{
			DefaultTTLSeconds: 90 * 24 * 60 * 60,
		},

		Metadata: MetadataConfig{
			DefaultMaxBytes:         4096,
			PromptArtifactMaxBytes:  1 << 20,
			ContextArtifactMaxBytes: 4 << 20,
		},

		Agents: []AgentConfig{
			{
				AgentID:      "writer",
				Role:         "writer",
				SystemPrompt: "You write concise, accurate summaries of source files.",
				UserPromptTemplates: map[string]string{
					"summary": "Summarize the following file at {{.Path}}:\n\n{{.Content}}",
				},
			},
			{
				AgentID:      "synthesizer",
				Role:         "synthesis",
				SystemPrompt: "You roll up child summaries into a directory-level overview.",
				UserPromptTemplates: map[string]string{
					"summary": "Summarize the directory at {{.Path}} from its children's summaries:\n\n{{.Content}}",
				},
			},
		},
	}
}

// Load reads configuration from a YAML file at path, falling back to
// DefaultConfig when the file does not exist, then applies environment
// overrides in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides layers environment variables on top of whatever the
// YAML file (or defaults) set, the same priority order codenerd used
// for its provider API keys.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if key := os.Getenv("NODEFRAME_PROVIDER_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if v := os.Getenv("NODEFRAME_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NODEFRAME_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NODEFRAME_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}
