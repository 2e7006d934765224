// Package config loads runtime configuration for the sync core.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables prefixed POSSYNC_ (dots become underscores, so
// sync.interval is POSSYNC_SYNC_INTERVAL).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/possync/internal/errors"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "POSSYNC"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config is the fully resolved configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Store   StoreConfig   `mapstructure:"store"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Device  DeviceConfig  `mapstructure:"device"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// RemoteConfig describes the multi-tenant Postgres backend.
// An empty DSN means the remote is taken from the encrypted settings section,
// or left unconfigured.
type RemoteConfig struct {
	DSN          string        `mapstructure:"dsn"`
	TenantID     string        `mapstructure:"tenant_id"`
	TenantColumn string        `mapstructure:"tenant_column"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retention     time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DeviceConfig holds the per-device secret used to encrypt the stored DSN.
type DeviceConfig struct {
	Secret string `mapstructure:"secret"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.tenant_id", "")
	v.SetDefault("remote.tenant_column", "tenant_id")
	v.SetDefault("remote.probe_timeout", 5*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("sync.timeout", 5*time.Minute)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "JSON")
	v.SetDefault("log.file", "")
	v.SetDefault("http.addr", "127.0.0.1:8090")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("device.secret", "")
}

// NewViper returns a viper instance with defaults and env binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config "+path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the sync core cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverBadger:
	default:
		return apperrors.Newf(apperrors.ErrValidation, "unknown store driver %q", c.Store.Driver)
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"sync.interval", c.Sync.Interval},
		{"sync.probe_interval", c.Sync.ProbeInterval},
		{"sync.timeout", c.Sync.Timeout},
		{"sync.retention", c.Sync.Retention},
		{"remote.probe_timeout", c.Remote.ProbeTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return apperrors.Newf(apperrors.ErrValidation, "%s must be positive, got %s", d.key, d.val)
		}
	}

	if c.Remote.TenantColumn == "" {
		return apperrors.New(apperrors.ErrValidation, "remote.tenant_column is required")
	}
	return nil
}

// HasRemoteDSN reports whether the remote is configured directly.
func (c *Config) HasRemoteDSN() bool {
	return strings.TrimSpace(c.Remote.DSN) != ""
}

// String renders the configuration with the DSN redacted.
func (c *Config) String() string {
	dsn := ""
	if c.HasRemoteDSN() {
		dsn = "<redacted>"
	}
	return fmt.Sprintf("data_dir=%s driver=%s remote=%s tenant=%s interval=%s retention=%s http=%s",
		c.DataDir, c.Store.Driver, dsn, c.Remote.TenantID, c.Sync.Interval, c.Sync.Retention, c.HTTP.Addr)
}
