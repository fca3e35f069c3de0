package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration parsed from YAML, with environment
// variables (loaded via gotenv in main) supplying credentials.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Gateway   GatewayConfig            `yaml:"gateway"`
	Backend   BackendConfig            `yaml:"backend"`
	Auth      AuthConfig               `yaml:"auth"`
	Providers []ProviderConfig         `yaml:"providers"`
	Models    map[string]ModelDefaults `yaml:"models"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GatewayConfig carries the request defaults applied when a caller leaves a
// field unset.
type GatewayConfig struct {
	DefaultModel  string        `yaml:"default_model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBaseWait time.Duration `yaml:"retry_base_wait"`
	EnableCache   bool          `yaml:"enable_cache"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
}

// BackendConfig points at the conversation/auth REST service.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig controls locally issued session tokens.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Expiry    time.Duration `yaml:"expiry"`
}

// ProviderConfig describes one upstream chat-completion service.
type ProviderConfig struct {
	ID       string        `yaml:"id"`
	BaseURL  string        `yaml:"base_url"`
	KeyName  string        `yaml:"key_name"`
	Prefixes []string      `yaml:"prefixes"`
	Models   []ModelConfig `yaml:"models"`
}

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Available   bool   `yaml:"available"`
}

// ModelDefaults are the per-model parameter defaults.
type ModelDefaults struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TopP        float64 `yaml:"top_p"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Gateway: GatewayConfig{
			DefaultModel:  "deepseek-chat",
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryBaseWait: time.Second,
			EnableCache:   true,
			CacheTTL:      5 * time.Minute,
			CacheCapacity: 1024,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Expiry: 24 * time.Hour,
		},
		Providers: defaultProviders(),
		Models: map[string]ModelDefaults{
			"default": {Temperature: 0.6, MaxTokens: 2000, TopP: 0.7},
		},
	}
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID: "openai", BaseURL: "https://api.openai.com/v1", KeyName: "OPENAI_API_KEY",
			Prefixes: []string{"gpt-"},
			Models: []ModelConfig{
				{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "fast and affordable", Available: true},
				{ID: "gpt-4", Name: "GPT-4", Description: "flagship model", Available: true},
				{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Description: "enhanced GPT-4", Available: true},
			},
		},
		{
			ID: "deepseek", BaseURL: "https://api.deepseek.com", KeyName: "DEEPSEEK_API_KEY",
			Prefixes: []string{"deepseek"},
			Models: []ModelConfig{
				{ID: "deepseek-chat", Name: "DeepSeek Chat", Description: "general conversation", Available: true},
				{ID: "deepseek-coder", Name: "DeepSeek Coder", Description: "code generation", Available: true},
			},
		},
		{
			ID: "qwen", BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", KeyName: "QWEN_API_KEY",
			Prefixes: []string{"qwen"},
			Models: []ModelConfig{
				{ID: "qwen-max", Name: "Qwen Max", Description: "strongest variant", Available: true},
				{ID: "qwen-plus", Name: "Qwen Plus", Description: "enhanced variant", Available: true},
				{ID: "qwen-turbo", Name: "Qwen Turbo", Description: "fast variant", Available: true},
			},
		},
		{
			ID: "kimi", BaseURL: "https://api.moonshot.cn/v1", KeyName: "KIMI_API_KEY",
			Prefixes: []string{"kimi", "moonshot"},
			Models: []ModelConfig{
				{ID: "kimi-large", Name: "Kimi Large", Description: "long context", Available: true},
			},
		},
		{
			ID: "doubao", BaseURL: "https://ark.cn-beijing.volces.com/api/v3", KeyName: "DOUBAO_API_KEY",
			Prefixes: []string{"doubao"},
			Models: []ModelConfig{
				{ID: "doubao-pro", Name: "Doubao Pro", Description: "ByteDance model", Available: true},
			},
		},
		{
			ID: "bailian", BaseURL: "https://bailian.aliyuncs.com/v2/app", KeyName: "BAILIAN_API_KEY",
			Prefixes: []string{"bailian"},
			Models: []ModelConfig{
				{ID: "bailian-standard", Name: "Bailian Standard", Description: "standard tier", Available: true},
				{ID: "bailian-pro", Name: "Bailian Pro", Description: "professional tier", Available: true},
			},
		},
	}
}

// Load reads YAML configuration from disk, falling back to Default when the
// file does not exist, and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Gateway.DefaultModel == "" {
		return fmt.Errorf("gateway.default_model must not be empty")
	}
	if c.Gateway.MaxRetries < 1 {
		return fmt.Errorf("gateway.max_retries must be at least 1, got %d", c.Gateway.MaxRetries)
	}
	if c.Gateway.CacheTTL <= 0 {
		return fmt.Errorf("gateway.cache_ttl must be positive")
	}
	if c.Gateway.CacheCapacity < 1 {
		return fmt.Errorf("gateway.cache_capacity must be at least 1")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}

	seen := map[string]bool{}
	for _, p := range c.Providers {
		if err := validateProvider(p); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func validateProvider(p ProviderConfig) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("provider id must not be empty")
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must not be empty", p.ID)
	}
	if strings.TrimSpace(p.KeyName) == "" {
		return fmt.Errorf("provider %s: key_name must not be empty", p.ID)
	}
	if len(p.Prefixes) == 0 {
		return fmt.Errorf("provider %s: at least one model prefix must be configured", p.ID)
	}
	for _, m := range p.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", p.ID)
		}
	}
	return nil
}

// ModelDefaultsFor returns the parameter defaults for a model, falling back
// to the "default" entry.
func (c Config) ModelDefaultsFor(modelID string) ModelDefaults {
	if d, ok := c.Models[modelID]; ok {
		return d
	}
	if d, ok := c.Models["default"]; ok {
		return d
	}
	return ModelDefaults{Temperature: 0.6, MaxTokens: 2000, TopP: 0.7}
}
