/*
Package config loads the authkeeper configuration from a YAML file, a .env file and the process
environment, in increasing order of precedence.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/getlantern/authkeeper/backend"
	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/internal"
	"github.com/getlantern/authkeeper/store"
	"github.com/getlantern/authkeeper/telemetry"
)

type Config struct {
	BaseURL string `yaml:"baseURL"`
	// RequestTimeout bounds every backend request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// RefreshTimeout bounds a single refresh exchange.
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	// ExpiryLeeway treats access tokens that expire within this window as expired.
	ExpiryLeeway  time.Duration `yaml:"expiryLeeway"`
	ReplayWorkers int           `yaml:"replayWorkers"`
	// RetryMax is the number of retries of requests that got no response at all.
	RetryMax int           `yaml:"retryMax"`
	Paths    backend.Paths `yaml:"paths"`

	DataDir string      `yaml:"dataDir"`
	Store   StoreConfig `yaml:"store"`

	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	SentryDSN string           `yaml:"sentryDSN"`
}

type StoreConfig struct {
	Kind store.Kind `yaml:"kind"`
	// Path of the credentials file. Defaults to <dataDir>/credentials.json.
	Path string `yaml:"path"`
	// Watch reloads the credentials file when another process changes it.
	Watch bool               `yaml:"watch"`
	Redis store.RedisOptions `yaml:"redis"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Options converts the log configuration for internal.InitLogger.
func (l LogConfig) Options() internal.LogOptions {
	return internal.LogOptions{
		Level:      l.Level,
		Path:       l.Path,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

// Default returns the configuration used for anything the file and environment leave unset.
func Default() *Config {
	return &Config{
		BaseURL:        "http://localhost:3000",
		RequestTimeout: common.DefaultHTTPTimeout,
		RefreshTimeout: common.DefaultRefreshTimeout,
		ReplayWorkers:  8,
		Paths:          backend.DefaultPaths(),
		Store: StoreConfig{
			Kind:  store.KindFile,
			Redis: store.RedisOptions{Addr: "localhost:6379", Prefix: common.Name},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the YAML file at path on top of Default, then applies overrides from the .env file
// and the environment. A missing file at either path is not an error.
func Load(path, dotenv string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(common.LoadEnv(dotenv))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown fields are rejected; fields left empty take their
// default value.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return err
	}
	cfg.fillDefaults()
	return nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = d.RefreshTimeout
	}
	if c.ReplayWorkers == 0 {
		c.ReplayWorkers = d.ReplayWorkers
	}
	c.Paths = c.Paths.WithDefaults()
	if c.Store.Kind == "" {
		c.Store.Kind = d.Store.Kind
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = d.Store.Redis.Prefix
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = d.Log.MaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = d.Log.MaxAgeDays
	}
}

// ApplyEnv overrides cfg with the given environment values.
func (c *Config) ApplyEnv(vars map[common.EnvKey]string) {
	for key, value := range vars {
		switch key {
		case common.EnvBaseURL:
			c.BaseURL = value
		case common.EnvLogLevel:
			c.Log.Level = value
		case common.EnvLogPath:
			c.Log.Path = value
		case common.EnvDataPath:
			c.DataDir = value
		case common.EnvStore:
			c.Store.Kind = store.Kind(strings.ToLower(value))
		case common.EnvRedisAddr:
			c.Store.Redis.Addr = value
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("baseURL %q is not an absolute URL", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("requestTimeout must be positive"))
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("refreshTimeout must be positive"))
	}
	if c.ExpiryLeeway < 0 {
		errs = append(errs, errors.New("expiryLeeway must not be negative"))
	}
	if c.ReplayWorkers <= 0 {
		errs = append(errs, errors.New("replayWorkers must be positive"))
	}
	if c.RetryMax < 0 {
		errs = append(errs, errors.New("retryMax must not be negative"))
	}
	if err := c.Store.Kind.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Store.Kind == store.KindRedis && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr is required for the redis store"))
	}
	if _, err := internal.ParseLogLevel(c.Log.Level); err != nil && c.Log.Level != "" {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CredentialsPath is where the file store keeps the credentials.
func (c *Config) CredentialsPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, common.CredentialsFileName)
}
