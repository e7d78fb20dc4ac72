package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the local SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logrus settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// GoogleConfig holds the OAuth client and the Gmail endpoints.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`

	// PubSubTopic is the Cloud Pub/Sub topic passed to users.watch.
	// Push notifications are not requested when empty.
	PubSubTopic string `mapstructure:"pubsub_topic" yaml:"pubsub_topic"`

	// TokenURL, APIEndpoint and TokenInfoURL override Google's endpoints;
	// empty means production.
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
	APIEndpoint  string `mapstructure:"api_endpoint" yaml:"api_endpoint"`
	TokenInfoURL string `mapstructure:"tokeninfo_url" yaml:"tokeninfo_url"`
}

// JMAPConfig holds the JMAP session endpoint.
type JMAPConfig struct {
	SessionURL string `mapstructure:"session_url" yaml:"session_url"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PollIntervalSec  int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	HTTPTimeoutSec   int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	Workers          int `mapstructure:"workers" yaml:"workers"`
	MaxBackfillPages int `mapstructure:"max_backfill_pages" yaml:"max_backfill_pages"`
}

// PollInterval returns the scheduler interval.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// HTTPTimeout returns the per-request timeout for provider calls.
func (c SyncConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// AppSettings holds settings for the connect flows.
type AppSettings struct {
	RedirectAfterConnect string `mapstructure:"redirect_after_connect" yaml:"redirect_after_connect"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Google   GoogleConfig   `mapstructure:"google" yaml:"google"`
	JMAP     JMAPConfig     `mapstructure:"jmap" yaml:"jmap"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	App      AppSettings    `mapstructure:"app" yaml:"app"`
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDatabasePath returns ~/.config/mailsync/mailsync.db.
func DefaultDatabasePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "mailsync.db")
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("jmap.session_url", "https://api.fastmail.com/jmap/session")
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.http_timeout_sec", 30)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_backfill_pages", 10)
	v.SetDefault("app.redirect_after_connect", "/")
}

// NewViper returns a viper instance with defaults and MAILSYNC_ env
// overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadConfig reads configuration from the given YAML file path.
// A missing file is not an error; defaults and environment apply.
func LoadConfig(path string) (*AppConfig, error) {
	v := NewViper()
	v.SetConfigFile(path)
	return LoadConfigFrom(v)
}

// LoadConfigFrom reads and unmarshals the config file already set on v.
func LoadConfigFrom(v *viper.Viper) (*AppConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Sync.MaxBackfillPages <= 0 {
		cfg.Sync.MaxBackfillPages = 10
	}
	if cfg.Sync.Workers <= 0 {
		cfg.Sync.Workers = 1
	}
	if cfg.Sync.HTTPTimeoutSec <= 0 {
		cfg.Sync.HTTPTimeoutSec = 30
	}

	return cfg, nil
}
