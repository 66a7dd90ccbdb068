// Package config loads service configuration from environment variables and
// an optional YAML file, with hot-reload support for the tier list.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// Config holds the full service configuration. Field names map to the
// environment keys the deployment contract names (REDIS_HOST,
// OCR_MAX_TEXT_BYTES, ...).
type Config struct {
	RedisHost     string `mapstructure:"redis_host" yaml:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port" yaml:"redis_port"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`

	MaxTextBytes    int     `mapstructure:"ocr_max_text_bytes" yaml:"ocr_max_text_bytes"`
	MaxAttempts     int     `mapstructure:"ocr_max_attempts" yaml:"ocr_max_attempts"`
	LanguageDefault string  `mapstructure:"ocr_language_default" yaml:"ocr_language_default"`
	ValidationModel string  `mapstructure:"ocr_validation_model" yaml:"ocr_validation_model"`
	MinConfidence   float64 `mapstructure:"ocr_min_confidence" yaml:"ocr_min_confidence,omitempty"`
	// MinConfidenceSet distinguishes "0.0 configured" from "not configured".
	MinConfidenceSet bool   `mapstructure:"-" yaml:"-"`
	EnabledTiers     string `mapstructure:"ocr_enabled_tiers" yaml:"ocr_enabled_tiers"`

	StateTTLSeconds    int    `mapstructure:"ocr_validation_state_ttl_seconds" yaml:"ocr_validation_state_ttl_seconds"`
	TierTimeoutSeconds int    `mapstructure:"ocr_tier_timeout_seconds" yaml:"ocr_tier_timeout_seconds"`
	LocalImageRoot     string `mapstructure:"ocr_local_image_root" yaml:"ocr_local_image_root"`
	PublicURL          string `mapstructure:"ocr_public_url" yaml:"ocr_public_url"`
	Port               int    `mapstructure:"ocr_port" yaml:"ocr_port"`

	S3EndpointURL    string `mapstructure:"s3_endpoint_url" yaml:"s3_endpoint_url,omitempty"`
	S3Region         string `mapstructure:"s3_region" yaml:"s3_region"`
	S3ForcePathStyle bool   `mapstructure:"s3_force_path_style" yaml:"s3_force_path_style"`

	LLMProxyURL string `mapstructure:"jarvis_llm_proxy_url" yaml:"jarvis_llm_proxy_url"`
	AppID       string `mapstructure:"jarvis_app_id" yaml:"jarvis_app_id,omitempty"`
	AppKey      string `mapstructure:"jarvis_app_key" yaml:"jarvis_app_key,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisHost:          "localhost",
		RedisPort:          6379,
		MaxTextBytes:       51200,
		MaxAttempts:        3,
		LanguageDefault:    "en",
		ValidationModel:    "llm_local_light",
		EnabledTiers:       "tesseract,easyocr,paddleocr,apple_vision,llm_local,llm_cloud",
		StateTTLSeconds:    600,
		TierTimeoutSeconds: 60,
		LocalImageRoot:     "/data/images",
		PublicURL:          "http://localhost:5009",
		Port:               5009,
		S3Region:           "us-east-2",
	}
}

// ConfiguredTiers parses OCR_ENABLED_TIERS preserving order, with the
// platform gate applied: apple_vision is dropped silently off darwin.
func (c *Config) ConfiguredTiers() []tiers.Tier {
	list := tiers.Parse(c.EnabledTiers)
	if runtime.GOOS == "darwin" {
		return list
	}
	out := list[:0]
	for _, t := range list {
		if t != tiers.AppleVision {
			out = append(out, t)
		}
	}
	return out
}

// Validate fails fast on misconfiguration that would make the worker
// useless at runtime.
func (c *Config) Validate() error {
	if len(c.ConfiguredTiers()) == 0 {
		return errors.New("OCR_ENABLED_TIERS resolves to an empty tier list on this host")
	}
	if c.MaxTextBytes <= 0 {
		return fmt.Errorf("OCR_MAX_TEXT_BYTES must be positive, got %d", c.MaxTextBytes)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("OCR_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.StateTTLSeconds <= 0 {
		return fmt.Errorf("OCR_VALIDATION_STATE_TTL_SECONDS must be positive, got %d", c.StateTTLSeconds)
	}
	return nil
}

// RedisAddr returns host:port for the backing store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// envBindings maps viper keys to their environment variables.
var envBindings = map[string]string{
	"redis_host":                       "REDIS_HOST",
	"redis_port":                       "REDIS_PORT",
	"redis_password":                   "REDIS_PASSWORD",
	"ocr_max_text_bytes":               "OCR_MAX_TEXT_BYTES",
	"ocr_max_attempts":                 "OCR_MAX_ATTEMPTS",
	"ocr_language_default":             "OCR_LANGUAGE_DEFAULT",
	"ocr_validation_model":             "OCR_VALIDATION_MODEL",
	"ocr_min_confidence":               "OCR_MIN_CONFIDENCE",
	"ocr_enabled_tiers":                "OCR_ENABLED_TIERS",
	"ocr_validation_state_ttl_seconds": "OCR_VALIDATION_STATE_TTL_SECONDS",
	"ocr_tier_timeout_seconds":         "OCR_TIER_TIMEOUT_SECONDS",
	"ocr_local_image_root":             "OCR_LOCAL_IMAGE_ROOT",
	"ocr_public_url":                   "OCR_PUBLIC_URL",
	"ocr_port":                         "OCR_PORT",
	"s3_endpoint_url":                  "S3_ENDPOINT_URL",
	"s3_region":                        "S3_REGION",
	"s3_force_path_style":              "S3_FORCE_PATH_STYLE",
	"jarvis_llm_proxy_url":             "JARVIS_LLM_PROXY_URL",
	"jarvis_app_id":                    "JARVIS_APP_ID",
	"jarvis_app_key":                   "JARVIS_APP_KEY",
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a manager and loads the initial configuration.
// cfgFile may be empty; environment variables always win over the file.
func NewManager(cfgFile string) (*Manager, error) {
	m := &Manager{v: viper.New()}

	defaults := DefaultConfig()
	m.v.SetDefault("redis_host", defaults.RedisHost)
	m.v.SetDefault("redis_port", defaults.RedisPort)
	m.v.SetDefault("ocr_max_text_bytes", defaults.MaxTextBytes)
	m.v.SetDefault("ocr_max_attempts", defaults.MaxAttempts)
	m.v.SetDefault("ocr_language_default", defaults.LanguageDefault)
	m.v.SetDefault("ocr_validation_model", defaults.ValidationModel)
	m.v.SetDefault("ocr_enabled_tiers", defaults.EnabledTiers)
	m.v.SetDefault("ocr_validation_state_ttl_seconds", defaults.StateTTLSeconds)
	m.v.SetDefault("ocr_tier_timeout_seconds", defaults.TierTimeoutSeconds)
	m.v.SetDefault("ocr_local_image_root", defaults.LocalImageRoot)
	m.v.SetDefault("ocr_public_url", defaults.PublicURL)
	m.v.SetDefault("ocr_port", defaults.Port)
	m.v.SetDefault("s3_region", defaults.S3Region)

	for key, env := range envBindings {
		if err := m.v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if cfgFile != "" {
		m.v.SetConfigFile(cfgFile)
	} else {
		m.v.SetConfigName("config")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("/etc/jarvis-ocr")
	}

	// Config file is optional.
	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

func (m *Manager) load() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.MinConfidenceSet = m.v.IsSet("ocr_min_confidence")
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WatchConfig enables hot-reloading of the config file.
func (m *Manager) WatchConfig() {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			// Keep running on the last good config.
			return
		}

		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(*Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}

// WriteDefault writes a commented default configuration to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# jarvis-ocr configuration
# Every key can also be set through its uppercase environment variable
# (e.g. ocr_max_text_bytes -> OCR_MAX_TEXT_BYTES). Environment wins.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
