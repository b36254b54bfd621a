// Package config loads learnsync settings from a YAML or TOML file,
// environment variables (LEARNSYNC_ prefix) and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/learnpath/learnsync/internal/logging"
	"github.com/learnpath/learnsync/internal/offline/remote"
)

// EnvPrefix is prepended to every environment override, e.g.
// LEARNSYNC_BACKEND_URL for backend.url.
const EnvPrefix = "LEARNSYNC"

// Config is the full learnsync configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Database     string             `mapstructure:"database"`
	// ImportDir is watched by the daemon for *.jsonl content bundles.
	ImportDir    string             `mapstructure:"import_dir"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Server       ServerConfig       `mapstructure:"server"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      logging.Config     `mapstructure:"logging"`
}

// BackendConfig selects and configures the remote backend.
type BackendConfig struct {
	// Type is http or mysql.
	Type    string             `mapstructure:"type"`
	URL     string             `mapstructure:"url"`
	APIKey  string             `mapstructure:"api_key"`
	Timeout time.Duration      `mapstructure:"timeout"`
	MySQL   remote.MySQLConfig `mapstructure:"mysql"`
}

// ConnectivityConfig configures the monitor's signal sources.
type ConnectivityConfig struct {
	InitialOnline bool          `mapstructure:"initial_online"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	FlagFile      string        `mapstructure:"flag_file"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	MaxAttempts  int      `mapstructure:"max_attempts"`
	GenericKinds []string `mapstructure:"generic_kinds"`
	// RatePerSecond paces dispatches; 0 disables pacing.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// CacheConfig configures the interception layer.
type CacheConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Manifest     string   `mapstructure:"manifest"`
	Origin       string   `mapstructure:"origin"`
	Generation   string   `mapstructure:"generation"`
	ShellRoutes  []string `mapstructure:"shell_routes"`
	OfflineRoute string   `mapstructure:"offline_route"`
	ProxyAddr    string   `mapstructure:"proxy_addr"`

	// InstallOnStart fetches the shell routes when the daemon starts.
	InstallOnStart bool `mapstructure:"install_on_start"`
}

// ServerConfig configures the local API.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CorsOrigins []string `mapstructure:"cors_origins"`
}

// SchedulerConfig configures the periodic drain backstop.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Spec is a robfig/cron spec, e.g. "@every 5m" or "*/10 * * * *".
	Spec string `mapstructure:"spec"`
}

// DatabasePath returns the local store path.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "offline.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".learnsync")
	v.SetDefault("database", "")
	v.SetDefault("import_dir", "")

	v.SetDefault("backend.type", "http")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.mysql.host", "")
	v.SetDefault("backend.mysql.port", 3306)
	v.SetDefault("backend.mysql.user", "")
	v.SetDefault("backend.mysql.password", "")
	v.SetDefault("backend.mysql.database", "")

	v.SetDefault("connectivity.initial_online", false)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", "10s")
	v.SetDefault("connectivity.probe_timeout", "3s")
	v.SetDefault("connectivity.flag_file", "")

	v.SetDefault("sync.max_attempts", 25)
	v.SetDefault("sync.generic_kinds", []string{})
	v.SetDefault("sync.rate_per_second", 0)
	v.SetDefault("sync.burst", 1)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.manifest", "")
	v.SetDefault("cache.origin", "")
	v.SetDefault("cache.generation", "")
	v.SetDefault("cache.shell_routes", []string{})
	v.SetDefault("cache.offline_route", "")
	v.SetDefault("cache.proxy_addr", "127.0.0.1:8788")
	v.SetDefault("cache.install_on_start", true)

	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 5m")

	lc := logging.DefaultConfig()
	v.SetDefault("logging.level", lc.Level)
	v.SetDefault("logging.format", lc.Format)
	v.SetDefault("logging.file", lc.File)
	v.SetDefault("logging.max_size_mb", lc.MaxSizeMB)
	v.SetDefault("logging.max_backups", lc.MaxBackups)
	v.SetDefault("logging.max_age_days", lc.MaxAgeDays)
}

// Load reads configuration. With an empty path it looks for learnsync.yaml
// or learnsync.toml in the working directory and in $HOME/.learnsync; a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("learnsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.learnsync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "http", "mysql":
	default:
		return fmt.Errorf("invalid backend type %q (want http or mysql)", c.Backend.Type)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts cannot be negative")
	}
	if c.Sync.RatePerSecond < 0 {
		return fmt.Errorf("sync.rate_per_second cannot be negative")
	}
	if c.DataDir == "" && c.Database == "" {
		return fmt.Errorf("data_dir or database is required")
	}
	return nil
}
