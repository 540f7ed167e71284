// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TRIPCACHE_CACHE_MAX_SIZE_MB.
const EnvPrefix = "TRIPCACHE"

// DefaultTileURLTemplate is the OpenStreetMap standard layer.
const DefaultTileURLTemplate = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"

// Config holds all application configuration.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CacheConfig holds the on-disk cache location and quota.
type CacheConfig struct {
	Root         string `mapstructure:"root" yaml:"root"`
	MaxSizeMB    int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	CheckpointDB string `mapstructure:"checkpoint_db" yaml:"checkpoint_db"` // default: {root}/checkpoints.db
}

// CheckpointPath returns the checkpoint database path.
func (c *CacheConfig) CheckpointPath() string {
	if c.CheckpointDB != "" {
		return c.CheckpointDB
	}
	return filepath.Join(c.Root, "checkpoints.db")
}

// DownloadConfig holds tile download configuration.
type DownloadConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MinRequestDelayMS int           `mapstructure:"min_request_delay_ms" yaml:"min_request_delay_ms"`
	TileURLTemplate   string        `mapstructure:"tile_url_template" yaml:"tile_url_template"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UseHTTP2          bool          `mapstructure:"use_http2" yaml:"use_http2"`
	KeepAlive         bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	ProxyURL          string        `mapstructure:"proxy_url" yaml:"proxy_url"`
}

// MinRequestDelay returns the inter-request delay as a duration.
func (d *DownloadConfig) MinRequestDelay() time.Duration {
	return time.Duration(d.MinRequestDelayMS) * time.Millisecond
}

// StorageConfig holds device storage thresholds.
type StorageConfig struct {
	MinFreeMB int `mapstructure:"min_free_mb" yaml:"min_free_mb"`
}

// ServerConfig holds HTTP control API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

// Defaults sets the default configuration values on v.
func Defaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.root", "./cache")
	v.SetDefault("cache.max_size_mb", 2048)
	v.SetDefault("cache.checkpoint_db", "")

	// Download defaults
	v.SetDefault("download.max_concurrent", 4)
	v.SetDefault("download.min_request_delay_ms", 100)
	v.SetDefault("download.tile_url_template", DefaultTileURLTemplate)
	v.SetDefault("download.user_agent", "tripcache/1.0 (+offline trip maps)")
	v.SetDefault("download.timeout", 10*time.Second)
	v.SetDefault("download.use_http2", true)
	v.SetDefault("download.keep_alive", true)
	v.SetDefault("download.proxy_url", "")

	v.SetDefault("storage.min_free_mb", 100)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration into v from the environment and an optional
// config file. Without configPath the usual locations are searched and a
// missing file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	Defaults(v)

	// Environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tripcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tripcache")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache root is required")
	}
	if c.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("invalid cache max size: %d MB", c.Cache.MaxSizeMB)
	}
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent downloads: %d", c.Download.MaxConcurrent)
	}
	if c.Download.MinRequestDelayMS < 0 {
		return fmt.Errorf("invalid min request delay: %d ms", c.Download.MinRequestDelayMS)
	}
	if !strings.Contains(c.Download.TileURLTemplate, "{z}") ||
		!strings.Contains(c.Download.TileURLTemplate, "{x}") ||
		!(strings.Contains(c.Download.TileURLTemplate, "{y}") || strings.Contains(c.Download.TileURLTemplate, "{-y}")) {
		return fmt.Errorf("tile URL template must contain {z}, {x} and {y}: %q", c.Download.TileURLTemplate)
	}
	if c.Download.ProxyURL != "" {
		if _, err := url.Parse(c.Download.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
	}
	if c.Download.Timeout <= 0 {
		return fmt.Errorf("invalid download timeout: %s", c.Download.Timeout)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	return nil
}
