package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. XENGINE_SERVER_PORT.
const EnvPrefix = "XENGINE"

// Load configuration from environment variables and defaults.
// Environment variables take precedence over defaults.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	cfg, _, err := LoadFile("")
	return cfg, err
}

// LoadFile loads configuration from the file at path (any format viper
// understands), environment variables and defaults, in decreasing precedence
// order env > file > defaults. An empty path skips the file. The returned
// viper instance can be passed to Watch.
func LoadFile(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch reloads the configuration whenever the file behind v changes and
// passes every valid result to onChange. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error("ignoring invalid configuration change",
				"file", e.Name,
				"op", e.Op.String(),
				"error", err)
			return
		}
		logger.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can populate it
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:xengine.db?_pragma=busy_timeout(5000)")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", 24*time.Hour)

	v.SetDefault("tasks.max_retries", 3)
	v.SetDefault("tasks.retry_base_delay", time.Second)
	v.SetDefault("tasks.retry_max_delay", 30*time.Second)
	v.SetDefault("tasks.event_buffer", 256)
	v.SetDefault("tasks.serial_timeout", 0)

	v.SetDefault("storage.base", "./data")
	v.SetDefault("storage.root_name", "xengine")
	v.SetDefault("storage.tmp_dir", "tmp")
	v.SetDefault("storage.photo_dir", "photo")

	v.SetDefault("download.user_agent", "xengine/1.0")
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("download.max_redirects", 5)
	v.SetDefault("download.rate_limit", 0)
}
