// Package config loads shopsync settings from defaults, an optional YAML
// file, SHOPSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/shopsync/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. SHOPSYNC_REMOTE_BASE_URL.
const EnvPrefix = "SHOPSYNC"

// Config is the full runtime configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir" yaml:"data_dir"`
	Log     LogConfig    `mapstructure:"log" yaml:"log"`
	Remote  RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync    SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Cache   CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Server  ServerConfig `mapstructure:"server" yaml:"server"`
	Legacy  LegacyConfig `mapstructure:"legacy" yaml:"legacy"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// RemoteConfig points at the remote authority.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"` // empty uses the in-process authority
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the scheduler and engine.
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	FullPullInterval time.Duration `mapstructure:"full_pull_interval" yaml:"full_pull_interval"`
	QueueFirst       bool          `mapstructure:"queue_first" yaml:"queue_first"`
}

// CacheConfig tunes read-through caches.
type CacheConfig struct {
	ProductTTL time.Duration `mapstructure:"product_ttl" yaml:"product_ttl"`
}

// ServerConfig configures the local REST API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LegacyConfig locates data written by the previous client.
type LegacyConfig struct {
	ImportPath string `mapstructure:"import_path" yaml:"import_path"`
}

// DefaultDataDir returns ~/.shopsync, or ./data when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "data"
	}
	return filepath.Join(home, ".shopsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.full_pull_interval", time.Hour)
	v.SetDefault("sync.queue_first", false)
	v.SetDefault("cache.product_ttl", 10*time.Minute)
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("legacy.import_path", "")
}

// Validate checks values that would make the daemon misbehave.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.FullPullInterval < 0 {
		return fmt.Errorf("sync.full_pull_interval must not be negative, got %s", c.Sync.FullPullInterval)
	}
	if c.Cache.ProductTTL < 0 {
		return fmt.Errorf("cache.product_ttl must not be negative, got %s", c.Cache.ProductTTL)
	}
	return nil
}

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Remote.APIKey != "" {
		redacted.Remote.APIKey = "********"
	}
	return yaml.Marshal(&redacted)
}

// Loader reads configuration through viper.
type Loader struct {
	v        *viper.Viper
	explicit bool

	mu       sync.Mutex
	watching bool
}

// NewLoader creates a Loader. An empty configFile searches for
// shopsync.yaml in the working directory and in ~/.shopsync.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("shopsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}
	return &Loader{v: v, explicit: configFile != ""}
}

// BindFlag lets a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the config file, if any, and decodes the merged settings. A
// missing file is only an error when it was named explicitly.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file Load read, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the new configuration every time the config file
// changes. Invalid edits are logged and skipped. Watch is a no-op when no
// file was loaded.
func (l *Loader) Watch(fn func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching {
		return
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid config change", map[string]interface{}{
				"file":  e.Name,
				"error": err.Error(),
			})
			return
		}
		logging.Info("Config reloaded", map[string]interface{}{"file": e.Name})
		fn(cfg)
	})
	l.v.WatchConfig()
}
