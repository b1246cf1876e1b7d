// Package config loads transport settings from YAML or INI files with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	ini "gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/proxy"
)

// Sentinel errors for configuration failure modes.
var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrUnsupported   = errors.New("config: unsupported file format")
)

// iniSection is the INI section holding the settings.
const iniSection = "keepalive"

// Environment variables that override file values.
const (
	EnvProxy           = "KEEPALIVE_PROXY"
	EnvMaxConnections  = "KEEPALIVE_MAX_CONNECTIONS"
	EnvTimeout         = "KEEPALIVE_TIMEOUT"
	EnvMaxResponseSize = "KEEPALIVE_MAX_RESPONSE_SIZE"
	EnvVerifyTLS       = "KEEPALIVE_VERIFY_TLS"
	EnvLogLevel        = "KEEPALIVE_LOG_LEVEL"
)

// Config is the transport configuration.
type Config struct {
	// MaxConnectionsPerHost caps pooled connections per host:port.
	MaxConnectionsPerHost int `yaml:"max_connections_per_host" ini:"max_connections_per_host"`

	// AcquireRetries and AcquireRetryInterval bound the wait for a slot
	// of a saturated host.
	AcquireRetries       int           `yaml:"acquire_retries" ini:"acquire_retries"`
	AcquireRetryInterval time.Duration `yaml:"acquire_retry_interval" ini:"acquire_retry_interval"`

	// Timeout bounds every blocking connect, write and read of an exchange.
	Timeout time.Duration `yaml:"timeout" ini:"timeout"`

	// ConnTimeout bounds connection setup. Zero uses Timeout.
	ConnTimeout time.Duration `yaml:"conn_timeout" ini:"conn_timeout"`

	// MaxResponseSize is the body ceiling in bytes. Zero disables it.
	MaxResponseSize int64 `yaml:"max_response_size" ini:"max_response_size"`

	// Proxy is the forward proxy: host:port, http://, socks5:// or socks5h://.
	Proxy string `yaml:"proxy" ini:"proxy"`

	VerifyTLS bool   `yaml:"verify_tls" ini:"verify_tls"`
	UserAgent string `yaml:"user_agent" ini:"user_agent"`
	LogLevel  string `yaml:"log_level" ini:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxConnectionsPerHost: constants.DefaultMaxConnsPerHost,
		AcquireRetries:        constants.DefaultAcquireRetries,
		AcquireRetryInterval:  constants.DefaultAcquireRetryInterval,
		Timeout:               constants.DefaultTimeout,
		MaxResponseSize:       constants.DefaultMaxResponseSize,
		UserAgent:             constants.DefaultUserAgent,
		LogLevel:              "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. The format follows the extension: .yaml, .yml or
// .ini. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var err error
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = loadYAML(&cfg, path)
		case ".ini":
			err = loadINI(&cfg, path)
		default:
			return cfg, fmt.Errorf("%w: %s", ErrUnsupported, path)
		}
		if err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func loadINI(cfg *Config, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	if err := f.Section(iniSection).MapTo(cfg); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from KEEPALIVE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvProxy); ok {
		c.Proxy = v
	}
	if v := os.Getenv(EnvMaxConnections); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvMaxConnections, v)
		}
		c.MaxConnectionsPerHost = n
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvTimeout, v)
		}
		c.Timeout = d
	}
	if v := os.Getenv(EnvMaxResponseSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvMaxResponseSize, v)
		}
		c.MaxResponseSize = n
	}
	if v := os.Getenv(EnvVerifyTLS); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvVerifyTLS, v)
		}
		c.VerifyTLS = b
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// parseSeconds accepts a Go duration ("15s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// Validate checks every field.
func (c Config) Validate() error {
	if c.MaxConnectionsPerHost < 1 {
		return fmt.Errorf("%w: max_connections_per_host must be at least 1, got %d", ErrInvalidConfig, c.MaxConnectionsPerHost)
	}
	if c.AcquireRetries < 0 {
		return fmt.Errorf("%w: acquire_retries cannot be negative", ErrInvalidConfig)
	}
	if c.AcquireRetryInterval <= 0 {
		return fmt.Errorf("%w: acquire_retry_interval must be positive", ErrInvalidConfig)
	}
	if c.Timeout < constants.MinTimeout || c.Timeout > constants.MaxTimeout {
		return fmt.Errorf("%w: timeout must be between %v and %v, got %v",
			ErrInvalidConfig, constants.MinTimeout, constants.MaxTimeout, c.Timeout)
	}
	if c.ConnTimeout < 0 {
		return fmt.Errorf("%w: conn_timeout cannot be negative", ErrInvalidConfig)
	}
	if c.MaxResponseSize < 0 {
		return fmt.Errorf("%w: max_response_size cannot be negative", ErrInvalidConfig)
	}
	if _, err := proxy.Parse(c.Proxy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// EffectiveConnTimeout returns ConnTimeout, or Timeout when unset.
func (c Config) EffectiveConnTimeout() time.Duration {
	if c.ConnTimeout > 0 {
		return c.ConnTimeout
	}
	return c.Timeout
}

// ProxyConfig parses Proxy. It returns nil when no proxy is set.
func (c Config) ProxyConfig() (*proxy.Config, error) {
	return proxy.Parse(c.Proxy)
}

// Level returns the zerolog level for LogLevel. Empty means info.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(c.LogLevel))
}
