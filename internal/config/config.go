package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/everstacklabs/evalcore/internal/pipeline"
	"github.com/everstacklabs/evalcore/internal/provider"
)

// Config holds all configuration for evalcore.
type Config struct {
	LogLevel  string                      `mapstructure:"log_level"`
	Cache     CacheConfig                 `mapstructure:"cache"`
	Limiter   LimiterConfig               `mapstructure:"limiter"`
	Pipeline  pipeline.Config             `mapstructure:"pipeline"`
	Judge     JudgeConfig                 `mapstructure:"judge"`
	Embedding EmbeddingConfig             `mapstructure:"embedding"`
	Metrics   MetricsConfig               `mapstructure:"metrics"`
	Profiles  map[string]provider.Profile `mapstructure:"profiles"`

	OpenAI     ProviderConfig `mapstructure:"openai"`
	Anthropic  ProviderConfig `mapstructure:"anthropic"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	Together   ProviderConfig `mapstructure:"together"`
	Mistral    ProviderConfig `mapstructure:"mistral"`
	XAI        ProviderConfig `mapstructure:"xai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend  string        `mapstructure:"backend"`
	Dir      string        `mapstructure:"dir"`
	Path     string        `mapstructure:"path"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
	// LegacyNamespaces maps a namespace to the one older releases wrote to.
	LegacyNamespaces map[string]string `mapstructure:"legacy_namespaces"`
}

// LimiterConfig holds process-wide admission settings.
type LimiterConfig struct {
	GlobalConcurrency int `mapstructure:"global_concurrency"`
}

// JudgeConfig holds coverage judge settings.
type JudgeConfig struct {
	Models                []string `mapstructure:"models"`
	DisagreementThreshold float64  `mapstructure:"disagreement_threshold"`
	MaxTokens             int      `mapstructure:"max_tokens"`
}

// EmbeddingConfig holds embedding settings.
type EmbeddingConfig struct {
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus settings. An empty Addr disables the
// endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProviderConfig holds provider credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// Providers returns the configured providers keyed by name.
func (c *Config) Providers() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     c.OpenAI,
		"anthropic":  c.Anthropic,
		"openrouter": c.OpenRouter,
		"together":   c.Together,
		"mistral":    c.Mistral,
		"xai":        c.XAI,
		"deepseek":   c.DeepSeek,
	}
}

// Load reads configuration from file, environment, and defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Defaults
	pd := pipeline.DefaultConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.path", filepath.Join(defaultCacheDir(), "cache.db"))
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("limiter.global_concurrency", 32)
	v.SetDefault("pipeline.max_attempts", pd.MaxAttempts)
	v.SetDefault("pipeline.base_backoff", pd.BaseBackoff)
	v.SetDefault("pipeline.max_backoff", pd.MaxBackoff)
	v.SetDefault("pipeline.workers", pd.Workers)
	v.SetDefault("pipeline.timeout", pd.Timeout)
	v.SetDefault("judge.disagreement_threshold", 0.05)
	v.SetDefault("judge.max_tokens", 512)
	v.SetDefault("embedding.model", "openai:text-embedding-3-small")
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("anthropic.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("together.base_url", "https://api.together.xyz/v1")
	v.SetDefault("mistral.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("xai.base_url", "https://api.x.ai/v1")
	v.SetDefault("deepseek.base_url", "https://api.deepseek.com/v1")

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/evalcore")
	}

	// Environment variables
	v.SetEnvPrefix("EVALCORE")
	v.AutomaticEnv()

	// Bind specific env vars
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("openrouter.api_key", "OPENROUTER_API_KEY")
	_ = v.BindEnv("together.api_key", "TOGETHER_API_KEY")
	_ = v.BindEnv("mistral.api_key", "MISTRAL_API_KEY")
	_ = v.BindEnv("xai.api_key", "XAI_API_KEY")
	_ = v.BindEnv("deepseek.api_key", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("cache.backend", "EVALCORE_CACHE_BACKEND")
	_ = v.BindEnv("cache.redis_url", "EVALCORE_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("limiter.global_concurrency", "EVALCORE_GLOBAL_CONCURRENCY")
	_ = v.BindEnv("metrics.addr", "EVALCORE_METRICS_ADDR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	switch cfg.Cache.Backend {
	case "file", "sqlite", "redis", "memory", "none":
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL == "" {
		return nil, fmt.Errorf("cache.redis_url required when cache.backend=redis")
	}

	return &cfg, nil
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/evalcore-cache"
	}
	return filepath.Join(home, ".cache", "evalcore")
}
