/**
 * Configuration for the label scan worker
 *
 * Values come from defaults, an optional YAML file named by LABELSCAN_CONFIG,
 * and environment variables (environment wins).
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML file
const ConfigFileEnv = "LABELSCAN_CONFIG"

// VisionTier holds the endpoint and model of one remote recognition tier
type VisionTier struct {
	URL   string
	Model string
}

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string `mapstructure:"redis_url"`
	QueueBackend string `mapstructure:"queue_backend"`
	QueueName    string `mapstructure:"queue_name"`

	// PostgreSQL configuration; empty disables job bookkeeping
	DatabaseURL string `mapstructure:"database_url"`

	// Worker configuration
	WorkerConcurrency int   `mapstructure:"worker_concurrency"`
	ProcessingTimeout int   `mapstructure:"processing_timeout"` // ms
	ResultTTL         int   `mapstructure:"result_ttl"`         // s
	MaxImageSize      int64 `mapstructure:"max_image_size"`

	// Remote vision tiers
	VisionAPIKey          string `mapstructure:"vision_api_key"`
	VisionFastURL         string `mapstructure:"vision_fast_url"`
	VisionFastModel       string `mapstructure:"vision_fast_model"`
	VisionStructuredURL   string `mapstructure:"vision_structured_url"`
	VisionStructuredModel string `mapstructure:"vision_structured_model"`
	VisionAdvancedURL     string `mapstructure:"vision_advanced_url"`
	VisionAdvancedModel   string `mapstructure:"vision_advanced_model"`
	VisionTimeout         int    `mapstructure:"vision_timeout"` // ms
	VisionMaxTokens       int    `mapstructure:"vision_max_tokens"`

	// Tesseract configuration
	TessdataPrefix string `mapstructure:"tessdata_prefix"`
	OCRLanguages   string `mapstructure:"ocr_languages"`

	// Escalation thresholds
	LocalAcceptConfidence   int `mapstructure:"local_accept_confidence"`
	RemoteAcceptConfidence  int `mapstructure:"remote_accept_confidence"`
	LocalEscalateConfidence int `mapstructure:"local_escalate_confidence"`

	DefaultTier string `mapstructure:"default_tier"`
	LogLevel    string `mapstructure:"log_level"`
}

var defaults = map[string]interface{}{
	"redis_url":                 "redis://nexus-redis:6379",
	"queue_backend":             "redis",
	"queue_name":                "labelscan:jobs",
	"database_url":              "",
	"worker_concurrency":        4,
	"processing_timeout":        120000,   // 2 minutes
	"result_ttl":                86400,    // 24 hours
	"max_image_size":            20971520, // 20MB
	"vision_api_key":            "",
	"vision_fast_url":           "https://openrouter.ai/api/v1",
	"vision_fast_model":         "openai/gpt-4o-mini",
	"vision_structured_url":     "https://openrouter.ai/api/v1",
	"vision_structured_model":   "openai/gpt-4o",
	"vision_advanced_url":       "https://openrouter.ai/api/v1",
	"vision_advanced_model":     "anthropic/claude-3.5-sonnet",
	"vision_timeout":            30000,
	"vision_max_tokens":         2000,
	"tessdata_prefix":           "",
	"ocr_languages":             "rus+eng",
	"local_accept_confidence":   80,
	"remote_accept_confidence":  75,
	"local_escalate_confidence": 70,
	"default_tier":              "balanced",
	"log_level":                 "info",
}

// LoadConfig loads configuration from defaults, the optional config file and the environment
func LoadConfig() (*Config, error) {
	return load(viper.New(), os.Getenv(ConfigFileEnv))
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 100MB, got %d", c.MaxImageSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.VisionTimeout < 100 {
		return fmt.Errorf("VISION_TIMEOUT must be at least 100ms, got %d", c.VisionTimeout)
	}

	for name, value := range map[string]int{
		"LOCAL_ACCEPT_CONFIDENCE":   c.LocalAcceptConfidence,
		"REMOTE_ACCEPT_CONFIDENCE":  c.RemoteAcceptConfidence,
		"LOCAL_ESCALATE_CONFIDENCE": c.LocalEscalateConfidence,
	} {
		if value < 0 || value > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %d", name, value)
		}
	}

	switch c.DefaultTier {
	case "fast", "balanced", "advanced":
	default:
		return fmt.Errorf("DEFAULT_TIER must be fast, balanced or advanced, got %q", c.DefaultTier)
	}

	return nil
}

// FastTier returns the fast remote tier settings
func (c *Config) FastTier() VisionTier {
	return VisionTier{URL: c.VisionFastURL, Model: c.VisionFastModel}
}

// StructuredTier returns the structured remote tier settings
func (c *Config) StructuredTier() VisionTier {
	return VisionTier{URL: c.VisionStructuredURL, Model: c.VisionStructuredModel}
}

// AdvancedTier returns the advanced remote tier settings
func (c *Config) AdvancedTier() VisionTier {
	return VisionTier{URL: c.VisionAdvancedURL, Model: c.VisionAdvancedModel}
}

// VisionTimeoutDuration returns VISION_TIMEOUT as a duration
func (c *Config) VisionTimeoutDuration() time.Duration {
	return time.Duration(c.VisionTimeout) * time.Millisecond
}

// ProcessingTimeoutDuration returns PROCESSING_TIMEOUT as a duration
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// ResultTTLDuration returns RESULT_TTL as a duration
func (c *Config) ResultTTLDuration() time.Duration {
	return time.Duration(c.ResultTTL) * time.Second
}
