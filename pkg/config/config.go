// Package config loads nixless-agent's runtime configuration from
// environment variables using viper's env-binding, the way
// ipiton-alert-history-service's internal/config package does it: set
// defaults, enable AutomaticEnv, unmarshal into a typed struct, then
// validate.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the agent's complete runtime configuration, populated once at
// startup and never mutated afterward.
type Config struct {
	ListenPort     int    `mapstructure:"listen_port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	TempDownloadPath string `mapstructure:"temp_download_path"`
	StateBase      string `mapstructure:"state_base"`
	StoreRoot      string `mapstructure:"store_root"`

	CacheURL        string `mapstructure:"cache_url"`
	CachePublicKey  string `mapstructure:"cache_public_key"`
	UpdatePublicKey string `mapstructure:"update_public_key"`

	MaxSystemHistoryCount int    `mapstructure:"max_system_history_count"`
	ActivationTrackerCmd  string `mapstructure:"activation_tracker_command"`
	DownloadParallelism   int    `mapstructure:"download_parallelism"`

	LogLevel  string `mapstructure:"log_level"`
	LogJSON   bool   `mapstructure:"log_json"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// Load reads configuration from the process environment, applying the
// defaults spec'd for each variable, and validates required fields.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, key := range []string{
		"listen_port", "metrics_port", "temp_download_path", "state_base",
		"store_root", "cache_url", "cache_public_key", "update_public_key",
		"max_system_history_count", "activation_tracker_command",
		"download_parallelism", "log_level", "log_json", "max_body_bytes",
	} {
		_ = v.BindEnv(key, envName(key))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func envName(key string) string {
	return strings.ToUpper(key)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics_port", 0) // resolved to listen_port+111 if unset
	v.SetDefault("temp_download_path", "/nix/var/nixless-agent/tmp")
	v.SetDefault("state_base", "/nix/var/nixless-agent")
	v.SetDefault("store_root", "/nix/store")
	v.SetDefault("max_system_history_count", 3)
	v.SetDefault("download_parallelism", 8)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("max_body_bytes", int64(1<<20))
}

// Validate enforces the required fields and positivity constraints spec'd
// for each variable.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT is required and must be 1-65535, got %d", c.ListenPort)
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = c.ListenPort + 111
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT must be 1-65535, got %d", c.MetricsPort)
	}
	if c.CacheURL == "" {
		return fmt.Errorf("CACHE_URL is required")
	}
	if c.CachePublicKey == "" {
		return fmt.Errorf("CACHE_PUBLIC_KEY is required")
	}
	if c.UpdatePublicKey == "" {
		return fmt.Errorf("UPDATE_PUBLIC_KEY is required")
	}
	if c.TempDownloadPath == "" {
		return fmt.Errorf("TEMP_DOWNLOAD_PATH is required")
	}
	if c.ActivationTrackerCmd == "" {
		return fmt.Errorf("ACTIVATION_TRACKER_COMMAND is required")
	}
	if c.MaxSystemHistoryCount <= 0 {
		return fmt.Errorf("MAX_SYSTEM_HISTORY_COUNT must be positive, got %d", c.MaxSystemHistoryCount)
	}
	if c.DownloadParallelism <= 0 {
		return fmt.Errorf("DOWNLOAD_PARALLELISM must be positive, got %d", c.DownloadParallelism)
	}
	return nil
}
