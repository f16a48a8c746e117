package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server     ServerConfig
	Catalog    CatalogConfig
	Bridge     BridgeConfig
	ImageCache ImageCacheConfig
	Storage    StorageConfig
	Logging    LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7420" yaml:"port"`
	Host string `envconfig:"HOST" default:"127.0.0.1" yaml:"host"`
}

// CatalogConfig holds remote catalog client configuration.
type CatalogConfig struct {
	BaseURL string        `envconfig:"CATALOG_URL" default:"https://catalog.orchardstore.dev/api/v1" yaml:"base_url"`
	Timeout time.Duration `envconfig:"CATALOG_TIMEOUT" default:"15s" yaml:"timeout"`
}

// BridgeConfig holds package-manager bridge configuration.
type BridgeConfig struct {
	Command     string        `envconfig:"BRIDGE_COMMAND" default:"flatpak" yaml:"command"`
	Timeout     time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"10m" yaml:"timeout"`
	ProbeWindow time.Duration `envconfig:"BRIDGE_PROBE_WINDOW" default:"10s" yaml:"probe_window"`
}

// ImageCacheConfig holds image download cache configuration.
type ImageCacheConfig struct {
	Dir           string        `envconfig:"IMAGE_CACHE_DIR" yaml:"dir"`
	MaxConcurrent int           `envconfig:"IMAGE_MAX_CONCURRENT" default:"6" yaml:"max_concurrent"`
	MaxRetries    int           `envconfig:"IMAGE_MAX_RETRIES" default:"2" yaml:"max_retries"`
	RetryBackoff  time.Duration `envconfig:"IMAGE_RETRY_BACKOFF" default:"500ms" yaml:"retry_backoff"`
	StartSpacing  time.Duration `envconfig:"IMAGE_START_SPACING" default:"150ms" yaml:"start_spacing"`
}

// StorageConfig holds local persisted cache configuration.
type StorageConfig struct {
	Path string `envconfig:"STORAGE_PATH" yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ORCHARD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile overlays values from a YAML file onto the environment-derived
// configuration. Missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7420",
			Host: "127.0.0.1",
		},
		Catalog: CatalogConfig{
			BaseURL: "https://catalog.orchardstore.dev/api/v1",
			Timeout: 15 * time.Second,
		},
		Bridge: BridgeConfig{
			Command:     "flatpak",
			Timeout:     10 * time.Minute,
			ProbeWindow: 10 * time.Second,
		},
		ImageCache: ImageCacheConfig{
			MaxConcurrent: 6,
			MaxRetries:    2,
			RetryBackoff:  500 * time.Millisecond,
			StartSpacing:  150 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
