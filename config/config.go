package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// EnvJWTSecret names the environment variable holding the token signing
	// secret. Secrets never live in the config file.
	EnvJWTSecret = "ESCROWD_JWT_SECRET"

	defaultListenAddress = ":8080"
	defaultDriver        = "sqlite"
	defaultDSN           = "escrowd.db"
	defaultEnvironment   = "development"
	defaultNotifyQueue   = 1024
)

// Config is the escrowd service configuration, loaded from TOML with
// environment overrides for secrets.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	Environment   string `toml:"environment"`

	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Explorer ExplorerConfig `toml:"explorer"`
	Notify   NotifyConfig   `toml:"notify"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// AuthConfig configures bearer token verification. The secret is read from
// ESCROWD_JWT_SECRET, not from the file.
type AuthConfig struct {
	Issuer    string `toml:"issuer"`
	JWTSecret string `toml:"-"`
}

// ExplorerConfig points at the chain explorer used for transaction status
// lookups. An empty URL selects the offline client.
type ExplorerConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// NotifyConfig configures webhook delivery of lifecycle events.
type NotifyConfig struct {
	WebhookURLs   []string `toml:"webhook_urls"`
	QueueCapacity int      `toml:"queue_capacity"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: defaultListenAddress,
		Environment:   defaultEnvironment,
		Database: DatabaseConfig{
			Driver: defaultDriver,
			DSN:    defaultDSN,
		},
		Notify: NotifyConfig{
			QueueCapacity: defaultNotifyQueue,
		},
	}
}

// Load reads the configuration file at path, applies defaults for unset
// fields, and pulls secrets from the environment. A missing file is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.Auth.JWTSecret = os.Getenv(EnvJWTSecret)
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = defaultDriver
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = defaultDSN
	}
	if c.Notify.QueueCapacity <= 0 {
		c.Notify.QueueCapacity = defaultNotifyQueue
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%s must be set", EnvJWTSecret)
	}
	for _, url := range c.Notify.WebhookURLs {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("webhook url %q must be http or https", url)
		}
	}
	return nil
}
