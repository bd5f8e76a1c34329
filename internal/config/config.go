// Package config loads the PropFlow configuration from YAML with
// environment variable overrides. Precedence: direct env names
// (DATABASE_URL, MARICOPA_API_KEY, ...) > PROPFLOW_-prefixed env >
// config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phxdata/propflow/internal/domain"
)

// SourceTagMaricopa and SourceTagMLS are the two upstream source tags.
const (
	SourceTagMaricopa = "maricopa"
	SourceTagMLS      = "phoenix_mls"
)

// Config is the full application configuration.
type Config struct {
	Sources    map[string]SourceConfig `yaml:"sources"`
	Processing ProcessingConfig        `yaml:"processing"`
	Extraction ExtractionConfig        `yaml:"extraction"`
	Proxy      ProxyConfig             `yaml:"proxy"`
	Captcha    CaptchaConfig           `yaml:"captcha"`
	Repository RepositoryConfig        `yaml:"repository"`
	Session    SessionConfig           `yaml:"session"`
	Service    ServiceConfig           `yaml:"service"`
	Collector  CollectorConfig         `yaml:"collector"`
}

// SourceConfig configures one upstream source and its rate limit.
type SourceConfig struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	RateLimitPerWindow int     `yaml:"rate_limit_per_window"`
	WindowSeconds      int     `yaml:"window_seconds"`
	SafetyMargin       float64 `yaml:"safety_margin"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	MaxRetries         int     `yaml:"max_retries"`
}

// Timeout returns the per-request timeout for the source.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Window returns the rate-limit window duration.
func (s SourceConfig) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

type ProcessingConfig struct {
	BatchSize          int `yaml:"batch_size"`
	MaxConcurrent      int `yaml:"max_concurrent"`
	ItemTimeoutSeconds int `yaml:"item_timeout_seconds"`
	RetryAttempts      int `yaml:"retry_attempts"`
}

func (p ProcessingConfig) ItemTimeout() time.Duration {
	return time.Duration(p.ItemTimeoutSeconds) * time.Second
}

type ExtractionConfig struct {
	LLMEndpoint     string `yaml:"llm_endpoint"`
	Model           string `yaml:"model"`
	PromptVersion   string `yaml:"prompt_version"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheMaxBytes   int64  `yaml:"cache_max_bytes"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RedisAddr       string `yaml:"redis_addr"` // optional L2 cache
}

func (e ExtractionConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}

func (e ExtractionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

type ProxyConfig struct {
	Proxies         []string `yaml:"proxies"`
	PoolSize        int      `yaml:"pool_size"`
	HealthThreshold int      `yaml:"health_threshold"`
	CooldownSeconds int      `yaml:"cooldown_seconds"`
}

func (p ProxyConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

type CaptchaConfig struct {
	Service        string `yaml:"service"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c CaptchaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RepositoryConfig struct {
	ConnectionURI string `yaml:"connection_uri"`
	DatabaseName  string `yaml:"database_name"`
	MaxPoolSize   int    `yaml:"max_pool_size"`
}

type SessionConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

func (s SessionConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours) * time.Hour
}

type ServiceConfig struct {
	ListenAddr             string `yaml:"listen_addr"`
	QueueSize              int    `yaml:"queue_size"`
	Workers                int    `yaml:"workers"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

func (s ServiceConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

type CollectorConfig struct {
	Zipcodes          []string `yaml:"zipcodes"`
	InactiveAfterDays int      `yaml:"inactive_after_days"`
	ZipConcurrency    int      `yaml:"zip_concurrency"`
}

func (c CollectorConfig) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveAfterDays) * 24 * time.Hour
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Sources: map[string]SourceConfig{
			SourceTagMaricopa: {
				BaseURL:            "https://api.assessor.maricopa.gov/v1",
				RateLimitPerWindow: 60,
				WindowSeconds:      60,
				SafetyMargin:       0.10,
				TimeoutSeconds:     30,
				MaxRetries:         3,
			},
			SourceTagMLS: {
				BaseURL:            "https://www.phoenixmlssearch.com",
				RateLimitPerWindow: 12,
				WindowSeconds:      60,
				SafetyMargin:       0.10,
				TimeoutSeconds:     45,
				MaxRetries:         3,
			},
		},
		Processing: ProcessingConfig{
			BatchSize:          20,
			MaxConcurrent:      5,
			ItemTimeoutSeconds: 60,
			RetryAttempts:      3,
		},
		Extraction: ExtractionConfig{
			LLMEndpoint:     "http://localhost:11434",
			Model:           "llama3.1:8b",
			PromptVersion:   "v2",
			CacheTTLSeconds: 86400,
			CacheMaxBytes:   64 << 20,
			CacheMaxEntries: 10000,
			TimeoutSeconds:  30,
		},
		Proxy: ProxyConfig{
			PoolSize:        5,
			HealthThreshold: 3,
			CooldownSeconds: 300,
		},
		Captcha: CaptchaConfig{
			Service:        "2captcha",
			TimeoutSeconds: 120,
		},
		Repository: RepositoryConfig{
			ConnectionURI: "postgres://localhost:5432/propflow?sslmode=disable",
			DatabaseName:  "propflow",
			MaxPoolSize:   10,
		},
		Session: SessionConfig{
			RedisAddr:   "localhost:6379",
			MaxAgeHours: 12,
		},
		Service: ServiceConfig{
			ListenAddr:             ":8080",
			QueueSize:              100,
			Workers:                4,
			ShutdownTimeoutSeconds: 30,
		},
		Collector: CollectorConfig{
			Zipcodes:          []string{"85048", "85033", "85251"},
			InactiveAfterDays: 30,
			ZipConcurrency:    2,
		},
	}
}

// Load reads the configuration file (when present), then applies env
// overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	applyPrefixedOverrides(cfg)
	applyDirectOverrides(cfg)
	applySourceDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPrefixedOverrides handles PROPFLOW_* variables.
func applyPrefixedOverrides(cfg *Config) {
	if v := os.Getenv("PROPFLOW_REPOSITORY_CONNECTION_URI"); v != "" {
		cfg.Repository.ConnectionURI = v
	}
	if v := os.Getenv("PROPFLOW_REPOSITORY_MAX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Repository.MaxPoolSize = n
		}
	}
	if v := os.Getenv("PROPFLOW_SERVICE_LISTEN_ADDR"); v != "" {
		cfg.Service.ListenAddr = v
	}
	if v := os.Getenv("PROPFLOW_EXTRACTION_LLM_ENDPOINT"); v != "" {
		cfg.Extraction.LLMEndpoint = v
	}
	if v := os.Getenv("PROPFLOW_EXTRACTION_MODEL"); v != "" {
		cfg.Extraction.Model = v
	}
	if v := os.Getenv("PROPFLOW_SESSION_REDIS_ADDR"); v != "" {
		cfg.Session.RedisAddr = v
	}
	if v := os.Getenv("PROPFLOW_CAPTCHA_API_KEY"); v != "" {
		cfg.Captcha.APIKey = v
	}
	if v := os.Getenv("PROPFLOW_MARICOPA_API_KEY"); v != "" {
		setSourceAPIKey(cfg, SourceTagMaricopa, v)
	}
	if v := os.Getenv("PROPFLOW_PROCESSING_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.MaxConcurrent = n
		}
	}
}

// applyDirectOverrides handles conventional unprefixed names; these win
// over everything else.
func applyDirectOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Repository.ConnectionURI = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Session.RedisAddr = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Extraction.LLMEndpoint = v
	}
	if v := os.Getenv("MARICOPA_API_KEY"); v != "" {
		setSourceAPIKey(cfg, SourceTagMaricopa, v)
	}
	if v := os.Getenv("CAPTCHA_API_KEY"); v != "" {
		cfg.Captcha.APIKey = v
	}
}

func setSourceAPIKey(cfg *Config, tag, key string) {
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	src := cfg.Sources[tag]
	src.APIKey = key
	cfg.Sources[tag] = src
}

// applySourceDefaults fills structural zero values for sources declared in
// the config file. A zero safety_margin is a valid explicit choice and is
// left alone.
func applySourceDefaults(cfg *Config) {
	for tag, src := range cfg.Sources {
		if src.WindowSeconds == 0 {
			src.WindowSeconds = 60
		}
		if src.TimeoutSeconds == 0 {
			src.TimeoutSeconds = 30
		}
		if src.MaxRetries == 0 {
			src.MaxRetries = 3
		}
		cfg.Sources[tag] = src
	}
}

// Validate checks ranges the components depend on.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for tag, src := range c.Sources {
		if src.RateLimitPerWindow < 0 {
			return fmt.Errorf("source %s: rate_limit_per_window cannot be negative", tag)
		}
		if src.SafetyMargin < 0 || src.SafetyMargin >= 1 {
			return fmt.Errorf("source %s: safety_margin must be in [0,1)", tag)
		}
		if src.WindowSeconds <= 0 {
			return fmt.Errorf("source %s: window_seconds must be positive", tag)
		}
	}
	if c.Processing.BatchSize < 1 {
		return fmt.Errorf("processing.batch_size must be at least 1")
	}
	if c.Processing.MaxConcurrent < 1 {
		return fmt.Errorf("processing.max_concurrent must be at least 1")
	}
	if c.Repository.MaxPoolSize <= 0 || c.Repository.MaxPoolSize > 10 {
		return fmt.Errorf("repository.max_pool_size must be in 1..10")
	}
	if c.Service.QueueSize < 1 {
		return fmt.Errorf("service.queue_size must be at least 1")
	}
	if c.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be at least 1")
	}
	for _, zip := range c.Collector.Zipcodes {
		if !domain.ValidZipcode(zip) {
			return fmt.Errorf("collector.zipcodes: %q is not a valid zipcode", zip)
		}
	}
	if c.Collector.InactiveAfterDays <= 0 {
		return fmt.Errorf("collector.inactive_after_days must be positive")
	}
	return nil
}
