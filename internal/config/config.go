// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for agentchat.
//
// Configuration is read from ~/.agentchat/config.toml when present, with
// environment variable overrides and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete agentchat configuration.
type Config struct {
	// Agent holds the chat boundary configuration.
	Agent AgentConfig `toml:"agent"`

	// Storage holds local persistence configuration.
	Storage StorageConfig `toml:"storage"`

	// Server holds the proxy server configuration.
	Server ServerConfig `toml:"server"`

	// UI holds presentation configuration.
	UI UIConfig `toml:"ui"`
}

// AgentConfig contains the upstream chat endpoint configuration.
type AgentConfig struct {
	// BaseURL is the base URL of the chat completions endpoint.
	BaseURL string `toml:"base_url"`
	// APIKey is the bearer token sent to the upstream endpoint.
	APIKey string `toml:"api_key"`
	// Model is the model or workflow identifier sent with each request.
	Model string `toml:"model"`
	// WorkflowPrefix marks model identifiers that are workflow references.
	// A rejected workflow identifier triggers one retry against
	// WorkflowFallbackModel.
	WorkflowPrefix string `toml:"workflow_prefix"`
	// WorkflowFallbackModel is the model used for the one-time fallback
	// retry when a workflow identifier is rejected upstream.
	WorkflowFallbackModel string `toml:"workflow_fallback_model"`
}

// StorageConfig contains local persistence configuration.
type StorageConfig struct {
	// Dir is the directory holding the persisted history and prompts.
	// Default: ~/.agentchat
	Dir string `toml:"dir"`
}

// ServerConfig contains the proxy server configuration.
type ServerConfig struct {
	// Port is the listen port for `agentchat serve`.
	Port int `toml:"port"`
	// RateLimitRPS is the per-client request rate limit (0 = unlimited).
	RateLimitRPS float64 `toml:"rate_limit_rps"`
	// RateLimitBurst is the per-client burst allowance.
	RateLimitBurst int `toml:"rate_limit_burst"`
}

// UIConfig contains presentation configuration.
type UIConfig struct {
	// Markdown enables glamour rendering of finished assistant messages.
	Markdown bool `toml:"markdown"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-mini",
			WorkflowPrefix:        "wf_",
			WorkflowFallbackModel: "gpt-4o-mini",
		},
		Storage: StorageConfig{},
		Server: ServerConfig{
			Port:           8787,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		UI: UIConfig{
			Markdown: true,
		},
	}
}

// DefaultStorageDir returns ~/.agentchat, falling back to the working
// directory when the home directory cannot be determined.
func DefaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentchat"
	}
	return filepath.Join(home, ".agentchat")
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from the default path, applies environment
// overrides, fills defaults, and validates. A missing config file is not an
// error; defaults are used.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join(DefaultStorageDir(), "config.toml"))
}

// LoadFromPath loads configuration from a specific TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies AGENTCHAT_* environment variables on top of the
// file configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTCHAT_API_URL"); v != "" {
		c.Agent.BaseURL = v
	}
	if v := os.Getenv("AGENTCHAT_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("AGENTCHAT_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("AGENTCHAT_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("AGENTCHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = defaults.Agent.BaseURL
	}
	if c.Agent.Model == "" {
		c.Agent.Model = defaults.Agent.Model
	}
	if c.Agent.WorkflowPrefix == "" {
		c.Agent.WorkflowPrefix = defaults.Agent.WorkflowPrefix
	}
	if c.Agent.WorkflowFallbackModel == "" {
		c.Agent.WorkflowFallbackModel = defaults.Agent.WorkflowFallbackModel
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultStorageDir()
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = defaults.Server.RateLimitRPS
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Agent.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("agent.base_url %q is not a valid URL", c.Agent.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if strings.TrimSpace(c.Agent.Model) == "" {
		return errors.New("agent.model must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must not be negative")
	}
	return nil
}

// IsWorkflowModel reports whether the configured model identifier looks
// like a workflow reference rather than a plain model name.
func (c *AgentConfig) IsWorkflowModel(model string) bool {
	return c.WorkflowPrefix != "" && strings.HasPrefix(model, c.WorkflowPrefix)
}
