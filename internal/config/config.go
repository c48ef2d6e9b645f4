// Package config loads the service configuration: defaults, an optional
// YAML file, and environment variables, read once at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	// BackendSQLite is the embedded single-file store.
	BackendSQLite StorageBackend = "sqlite"

	// BackendPostgres is the networked store.
	BackendPostgres StorageBackend = "postgres"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Airtable AirtableConfig `mapstructure:"airtable"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    StorageBackend `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds networked-store settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// CacheConfig holds cache settings. An empty RedisURL selects the in-memory
// backend.
type CacheConfig struct {
	RedisURL   string        `mapstructure:"redis_url"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// AirtableConfig holds remote-mirror settings.
type AirtableConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseID  string `mapstructure:"base_id"`
	BaseURL string `mapstructure:"base_url"`
}

// Enabled reports whether the remote mirror is configured.
func (c AirtableConfig) Enabled() bool {
	return c.APIKey != "" && c.BaseID != ""
}

// SyncConfig holds scheduler settings.
type SyncConfig struct {
	AutoSyncEnabled        bool          `mapstructure:"auto_sync_enabled"`
	IncrementalInterval    time.Duration `mapstructure:"incremental_interval"`
	FullSyncCron           string        `mapstructure:"full_sync_cron"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ConflictStrategy       string        `mapstructure:"conflict_strategy"`
}

// AuthConfig holds bearer-token settings.
type AuthConfig struct {
	RequireAuth bool   `mapstructure:"require_auth"`
	APIToken    string `mapstructure:"api_token"`
	AdminToken  string `mapstructure:"admin_token"`
}

// RateLimitConfig holds edge rate-limit settings.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	MaxConcurrent     int  `mapstructure:"max_concurrent"`
}

// LogConfig holds logging settings. A non-empty Filename routes output
// through a size-rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from an optional YAML file and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/knowledge.db")

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "1h")

	v.SetDefault("airtable.api_key", "")
	v.SetDefault("airtable.base_id", "")
	v.SetDefault("airtable.base_url", "")

	v.SetDefault("sync.auto_sync_enabled", true)
	v.SetDefault("sync.incremental_interval", "60m")
	v.SetDefault("sync.full_sync_cron", "0 2 * * *")
	v.SetDefault("sync.max_consecutive_failures", 3)
	v.SetDefault("sync.conflict_strategy", "auto")

	v.SetDefault("auth.require_auth", false)
	v.SetDefault("auth.api_token", "")
	v.SetDefault("auth.admin_token", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.max_concurrent", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be 'sqlite' or 'postgres')", c.Storage.Backend)
	}

	switch c.Sync.ConflictStrategy {
	case "auto", "remote_wins", "local_wins", "merge":
	default:
		return fmt.Errorf("invalid sync.conflict_strategy: %s", c.Sync.ConflictStrategy)
	}

	if c.Auth.RequireAuth && c.Auth.APIToken == "" && c.Auth.AdminToken == "" {
		return fmt.Errorf("auth.require_auth is set but no tokens are configured")
	}
	return nil
}
