// Package config loads gateway configuration from environment variables,
// optionally overlaid by a YAML file, following the enumerated key list in
// the external-interfaces contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the per-provider settings collected from
// `<name>_rate_limit`, `<name>_api_key`, `<name>_base_url`.
type ProviderConfig struct {
	RateLimit int64  `yaml:"rate_limit"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
}

// Config is the complete, flat configuration surface named in spec §6.
type Config struct {
	AppEnv  string `yaml:"app_env"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	RedisURL string `yaml:"redis_url"`
	APIKey   string `yaml:"api_key"`

	ProviderTimeout     time.Duration `yaml:"provider_timeout"`
	FirstChunkTimeout   time.Duration `yaml:"first_chunk_timeout"`
	MaxOperationTimeout time.Duration `yaml:"max_operation_timeout"`
	MaxRetries          int           `yaml:"max_retries"` // unused by the core; reserved

	BackoffBaseSeconds int64 `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int64 `yaml:"backoff_max_seconds"`

	RateLimitRequestsPerMinute int64 `yaml:"rate_limit_requests_per_minute"`
	MaxConcurrentStreams       int64 `yaml:"max_concurrent_streams"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

func defaults() *Config {
	return &Config{
		AppEnv:                     "development",
		Host:                       "0.0.0.0",
		Port:                       8080,
		LogLevel:                   "info",
		RedisURL:                   "redis://localhost:6379/0",
		ProviderTimeout:            30 * time.Second,
		FirstChunkTimeout:          3 * time.Second,
		MaxOperationTimeout:        120 * time.Second,
		BackoffBaseSeconds:         5,
		BackoffMaxSeconds:          300,
		RateLimitRequestsPerMinute: 60,
		Providers:                  map[string]ProviderConfig{},
	}
}

// Load reads defaults, overlays an optional YAML file, then overlays
// environment variables (env wins, matching the base's precedence).
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.AppEnv = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("PROVIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.ProviderTimeout = d
		}
	}
	if v := os.Getenv("FIRST_CHUNK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.FirstChunkTimeout = d
		}
	}
	if v := os.Getenv("MAX_OPERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.MaxOperationTimeout = d
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.BackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.BackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimitRequestsPerMinute = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_STREAMS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxConcurrentStreams = n
		}
	}

	for _, name := range []string{"groq", "openrouter", "ollama", "anthropic"} {
		prefix := strings.ToUpper(name) + "_"
		pc := cfg.Providers[name]
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			pc.APIKey = v
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			pc.BaseURL = v
		}
		if v := os.Getenv(prefix + "RATE_LIMIT"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				pc.RateLimit = n
			}
		}
		cfg.Providers[name] = pc
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url must be set")
	}
	if c.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("backoff_base_seconds must be positive")
	}
	if c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("backoff_max_seconds must be >= backoff_base_seconds")
	}
	return nil
}

// ProviderRateLimits collects the router-facing map of provider -> per
// minute limit, falling back to the global default when a provider has not
// set its own (per the Open Question resolution: per-provider wins if set).
func (c *Config) ProviderRateLimits() map[string]int64 {
	out := make(map[string]int64, len(c.Providers))
	for name, pc := range c.Providers {
		if pc.RateLimit > 0 {
			out[name] = pc.RateLimit
		} else if c.RateLimitRequestsPerMinute > 0 {
			out[name] = c.RateLimitRequestsPerMinute
		}
	}
	return out
}
