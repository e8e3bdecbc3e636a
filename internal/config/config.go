package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Tasks    TaskConfig     `mapstructure:"tasks" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Download DownloadConfig `mapstructure:"download" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DatabaseConfig selects the lifecycle journal database.
type DatabaseConfig struct {
	// Driver is "sqlite" for an embedded file or "pgx" for PostgreSQL
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite pgx"`
	URL    string `mapstructure:"url" validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
}

// TaskConfig tunes the task manager and the serial queues.
type TaskConfig struct {
	MaxRetries     uint64        `mapstructure:"max_retries" validate:"lte=100"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gte=0"`
	EventBuffer    int           `mapstructure:"event_buffer" validate:"gt=0"`
	SerialTimeout  time.Duration `mapstructure:"serial_timeout" validate:"gte=0"`
}

// StorageConfig describes where downloaded and cached files live.
type StorageConfig struct {
	Base     string `mapstructure:"base" validate:"required"`
	RootName string `mapstructure:"root_name" validate:"required,excludesall=/\\"`
	TmpDir   string `mapstructure:"tmp_dir" validate:"required,excludesall=/\\"`
	PhotoDir string `mapstructure:"photo_dir" validate:"required,excludesall=/\\"`
}

// DownloadConfig contains the HTTP settings used by download tasks.
type DownloadConfig struct {
	UserAgent    string        `mapstructure:"user_agent" validate:"required"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRedirects int           `mapstructure:"max_redirects" validate:"gte=0,lte=20"`
	// RateLimit is the per-download byte budget per second. Zero is unlimited.
	RateLimit int `mapstructure:"rate_limit" validate:"gte=0"`
}
