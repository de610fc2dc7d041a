// Package config loads newsctl settings from a YAML file, NEWSDESK_*
// environment variables and defaults, in increasing order of precedence
// below command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/szaher/newsdesk/internal/guard"
	"github.com/szaher/newsdesk/internal/storage"
)

// FileName is the config file name inside the config directory.
const FileName = "config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NEWSDESK_"

// Defaults.
const (
	DefaultAPIURL         = "http://localhost:5001"
	DefaultRequestTimeout = 30 * time.Second
	DefaultLoginTimeout   = 30 * time.Second
	DefaultKeepAlive      = "@every 5m"
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultSessionFile    = "session.json"
)

// Config is the full client configuration.
type Config struct {
	APIURL         string          `yaml:"api_url" json:"api_url"`
	RequestTimeout time.Duration   `yaml:"request_timeout" json:"request_timeout"`
	LoginTimeout   time.Duration   `yaml:"login_timeout" json:"login_timeout"`
	Storage        storage.Options `yaml:"storage" json:"storage"`
	KeepAlive      KeepAlive       `yaml:"keepalive" json:"keepalive"`
	Metrics        Metrics         `yaml:"metrics" json:"metrics"`
	Log            Log             `yaml:"log" json:"log"`
	Guard          []guard.Rule    `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// KeepAlive configures the background session probe.
type KeepAlive struct {
	Schedule string        `yaml:"schedule" json:"schedule"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Metrics configures the Prometheus endpoint served by watch.
type Metrics struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Dir returns the newsdesk config directory, honouring NEWSDESK_CONFIG_DIR.
func Dir() string {
	if d := os.Getenv(EnvPrefix + "CONFIG_DIR"); d != "" {
		return d
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "newsdesk")
}

// DefaultPath is the config file location used when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIURL:         DefaultAPIURL,
		RequestTimeout: DefaultRequestTimeout,
		LoginTimeout:   DefaultLoginTimeout,
		Storage: storage.Options{
			Driver: storage.DriverFile,
			Path:   filepath.Join(Dir(), DefaultSessionFile),
		},
		KeepAlive: KeepAlive{Schedule: DefaultKeepAlive, Timeout: 15 * time.Second},
		Metrics:   Metrics{Addr: DefaultMetricsAddr},
		Log:       Log{Level: "warn", Format: "text"},
		Guard:     guard.DefaultRules(),
	}
}

// Load reads path (or DefaultPath when empty), applies environment
// overrides and validates the result. A missing default file is fine; a
// missing explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from NEWSDESK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("API_URL", &c.APIURL)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_PREFIX", &c.Storage.Prefix)
	str("REDIS_URL", &c.Storage.RedisURL)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("POSTGRES_TABLE", &c.Storage.PostgresTable)
	str("KEEPALIVE_SCHEDULE", &c.KeepAlive.Schedule)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "ETCD_ENDPOINTS"); ok && v != "" {
		var eps []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				eps = append(eps, ep)
			}
		}
		c.Storage.EtcdEndpoints = eps
	}

	for name, dst := range map[string]*time.Duration{
		"REQUEST_TIMEOUT":   &c.RequestTimeout,
		"LOGIN_TIMEOUT":     &c.LoginTimeout,
		"KEEPALIVE_TIMEOUT": &c.KeepAlive.Timeout,
		"REDIS_TTL":         &c.Storage.RedisTTL,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	} else if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url %q must be an absolute http(s) URL", c.APIURL))
	}

	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}
	if c.LoginTimeout < 0 {
		errs = append(errs, errors.New("login_timeout must not be negative"))
	}

	driver := c.Storage.Driver
	if driver == "" {
		driver = storage.DriverFile
	}
	switch {
	case !slices.Contains(storage.Drivers, driver):
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of %s", driver, strings.Join(storage.Drivers, ", ")))
	case driver == storage.DriverFile && c.Storage.Path == "":
		errs = append(errs, errors.New("storage.path is required for the file driver"))
	case driver == storage.DriverRedis && c.Storage.RedisURL == "":
		errs = append(errs, errors.New("storage.redis_url is required for the redis driver"))
	case driver == storage.DriverEtcd && len(c.Storage.EtcdEndpoints) == 0:
		errs = append(errs, errors.New("storage.etcd_endpoints is required for the etcd driver"))
	case driver == storage.DriverPostgres && c.Storage.PostgresDSN == "":
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
	}

	if c.KeepAlive.Schedule != "" {
		if _, err := cron.ParseStandard(c.KeepAlive.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("keepalive.schedule: %w", err))
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", f))
	}

	if _, err := guard.New(c.Guard); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level. Empty means warn.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
}
