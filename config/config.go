// Copyright 2025 Lynkr
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration from YAML with
// environment variable expansion, and hot-reloads the mutable subset
// on file change. Topology (providers present, listen port) is fixed
// at startup; credentials, model ids, and the log level may change at
// runtime.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Limits    LimitsConfig     `yaml:"limits"`
	Policy    PolicyConfig     `yaml:"policy"`
	Agent     AgentConfig      `yaml:"agent"`
}

// ServerConfig fixes the HTTP surface at startup.
type ServerConfig struct {
	Port              int      `yaml:"port"`
	ShutdownTimeoutMs int      `yaml:"shutdown_timeout_ms"`
	CORSOrigins       []string `yaml:"cors_origins"`
	JWTSecret         string   `yaml:"jwt_secret"`
	JWTRequired       bool     `yaml:"jwt_required"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ProviderConfig declares one upstream.
type ProviderConfig struct {
	Name              string `yaml:"name"`
	Dialect           string `yaml:"dialect"`
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	DefaultModel      string `yaml:"default_model"`
	MaxTools          int    `yaml:"max_tools"`
	SupportsTools     bool   `yaml:"supports_tools"`
	SupportsStreaming bool   `yaml:"supports_streaming"`
	Local             bool   `yaml:"local"`
	TimeoutMs         int    `yaml:"timeout_ms"`
}

// Timeout returns the per-call upstream timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// RoutingConfig drives provider selection.
type RoutingConfig struct {
	PreferLocal      bool   `yaml:"prefer_local"`
	LocalProvider    string `yaml:"local_provider"`
	LocalMaxTools    int    `yaml:"local_max_tools"`
	MidTierProvider  string `yaml:"mid_tier_provider"`
	DefaultProvider  string `yaml:"default_provider"`
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackEnabled  bool   `yaml:"fallback_enabled"`
}

// LimitsConfig groups admission control settings.
type LimitsConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	RequestsPerHour   int     `yaml:"requests_per_hour"`
	RedisURL          string  `yaml:"redis_url"`
	PostgresDSN       string  `yaml:"postgres_dsn"`
	MonthlyTokens     int64   `yaml:"monthly_tokens"`
	MonthlyRequests   int64   `yaml:"monthly_requests"`
	MonthlyCostCents  int64   `yaml:"monthly_cost_cents"`
	AlertThreshold    float64 `yaml:"alert_threshold"`
	HeapThreshold     float64 `yaml:"heap_threshold"`
	InFlightThreshold int64   `yaml:"in_flight_threshold"`
}

// PolicyConfig mirrors the policy engine's YAML surface.
type PolicyConfig struct {
	AllowTools          []string               `yaml:"allow_tools"`
	DenyTools           []string               `yaml:"deny_tools"`
	ShellTools          []string               `yaml:"shell_tools"`
	Commands            map[string]CommandRule `yaml:"commands"`
	PermissiveByDefault bool                   `yaml:"permissive_by_default"`
	WorkspaceRoot       string                 `yaml:"workspace_root"`
	PathDeny            []string               `yaml:"path_deny"`
	PathAllow           []string               `yaml:"path_allow"`
	MaxToolCallsPerTurn int                    `yaml:"max_tool_calls_per_turn"`
	MaxStepsPerTurn     int                    `yaml:"max_steps_per_turn"`
}

// CommandRule mirrors one shell command rule.
type CommandRule struct {
	Allowed         bool     `yaml:"allowed"`
	AllowedFlags    []string `yaml:"allowed_flags"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	Severity        string   `yaml:"severity"`
}

// AgentConfig bounds the orchestrated turn.
type AgentConfig struct {
	MaxSteps      int `yaml:"max_steps"`
	MaxDurationMs int `yaml:"max_duration_ms"`
	ToolTimeoutMs int `yaml:"tool_timeout_ms"`
	SessionTTLMs  int `yaml:"session_ttl_ms"`
}

// Load reads and parses the config file. Environment references like
// ${VAR} and ${VAR:-default} expand before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a minimal single-provider config from environment
// variables, for running without a config file.
func FromEnv() *Config {
	cfg := &Config{}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:              "anthropic",
			Dialect:           "anthropic",
			Endpoint:          envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			APIKey:            key,
			DefaultModel:      envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			SupportsTools:     true,
			SupportsStreaming: true,
		})
		cfg.Routing.DefaultProvider = "anthropic"
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		cfg.Server.Port = port
	}
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	cfg.Server.JWTSecret = os.Getenv("LYNKR_AUTH_SECRET")
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Routing.DefaultProvider == "" && len(cfg.Providers) > 0 {
		cfg.Routing.DefaultProvider = cfg.Providers[0].Name
	}
}

// Validate rejects configurations that cannot serve requests.
func Validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	names := make(map[string]bool, len(cfg.Providers))
	validDialects := map[string]bool{
		"anthropic": true, "openai_chat": true, "openai_responses": true, "gemini": true,
	}
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		if !validDialects[p.Dialect] {
			return fmt.Errorf("config: provider %q has invalid dialect %q", p.Name, p.Dialect)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("config: provider %q has no endpoint", p.Name)
		}
	}
	for field, name := range map[string]string{
		"default_provider":  cfg.Routing.DefaultProvider,
		"fallback_provider": cfg.Routing.FallbackProvider,
		"local_provider":    cfg.Routing.LocalProvider,
		"mid_tier_provider": cfg.Routing.MidTierProvider,
	} {
		if name != "" && !names[name] {
			return fmt.Errorf("config: routing.%s references unknown provider %q", field, name)
		}
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} references.
// Undefined variables without a default expand to empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
