// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment override (CRITCSS_POOL_MAX_SESSIONS, ...).
const EnvPrefix = "CRITCSS"

var envKeyReplacer = strings.NewReplacer(".", "_")

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Coverage CoverageConfig `mapstructure:"coverage" yaml:"coverage"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig describes the single automation process owned by the pool.
type BrowserConfig struct {
	// ExecPath overrides platform resolution of the browser binary when set.
	ExecPath      string `mapstructure:"exec_path" yaml:"exec_path"`
	DebuggingPort int    `mapstructure:"debugging_port" yaml:"debugging_port"`
	Headless      bool   `mapstructure:"headless" yaml:"headless"`
	DisableGPU    bool   `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	// Args are extra command line switches, e.g. "no-zygote" or "window-size=1280,800".
	Args []string `mapstructure:"args" yaml:"args"`
	// StartupGrace is how long the process gets before the first control-plane call.
	StartupGrace time.Duration `mapstructure:"startup_grace" yaml:"startup_grace"`
	// ShutdownGrace bounds the graceful close before the process is killed.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// PoolConfig holds the session pool limits and timeouts.
type PoolConfig struct {
	MaxSessions    int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// PreInitialize eagerly creates MaxSessions idle sessions at startup.
	PreInitialize bool `mapstructure:"pre_initialize" yaml:"pre_initialize"`
	// WaitForInitializing blocks startup until pre-initialization finishes.
	WaitForInitializing bool `mapstructure:"wait_for_initializing" yaml:"wait_for_initializing"`
}

// CoverageConfig tunes the coverage delta polling loop.
type CoverageConfig struct {
	EmptyThreshold int           `mapstructure:"empty_threshold" yaml:"empty_threshold"`
	BackoffStep    time.Duration `mapstructure:"backoff_step" yaml:"backoff_step"`
}

// NetworkConfig holds settings for the outbound HTTP client used by the static extractor.
type NetworkConfig struct {
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout" yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	IgnoreTLSErrors       bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2            bool          `mapstructure:"force_http2" yaml:"force_http2"`
	UserAgent             string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// CacheConfig controls the per URL result cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URLTTL  time.Duration `mapstructure:"url_ttl" yaml:"url_ttl"`
	// FillTimeout bounds one extraction shared by every caller waiting on a URL.
	FillTimeout time.Duration `mapstructure:"fill_timeout" yaml:"fill_timeout"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit is requests per second across the API; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail on well-typed values.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "critcss")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.debugging_port", 9222)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.startup_grace", "100ms")
	v.SetDefault("browser.shutdown_grace", "1s")

	// -- Pool --
	v.SetDefault("pool.max_sessions", 10)
	v.SetDefault("pool.command_timeout", "120s")
	v.SetDefault("pool.request_timeout", "120s")
	v.SetDefault("pool.poll_interval", "500ms")
	v.SetDefault("pool.pre_initialize", true)
	v.SetDefault("pool.wait_for_initializing", false)

	// -- Coverage --
	v.SetDefault("coverage.empty_threshold", 3)
	v.SetDefault("coverage.backoff_step", "100ms")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.dial_timeout", "5s")
	v.SetDefault("network.tls_handshake_timeout", "5s")
	v.SetDefault("network.response_header_timeout", "10s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.user_agent", "critcss/1.0 (+https://github.com/xkilldash9x/critical-css)")

	// -- Cache --
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.url_ttl", "1h")
	v.SetDefault("cache.fill_timeout", "5m")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)
}

// ConfigureViper points v at the config file (explicit path, ./config.yaml or
// ~/.critcss/config.yaml) and wires environment overrides.
func ConfigureViper(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".critcss"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.DebuggingPort <= 0 || c.Browser.DebuggingPort > 65535 {
		return fmt.Errorf("browser.debugging_port must be between 1 and 65535")
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool configuration invalid: %w", err)
	}
	if c.Coverage.EmptyThreshold < 0 {
		return fmt.Errorf("coverage.empty_threshold must not be negative")
	}
	if c.Coverage.BackoffStep < 0 {
		return fmt.Errorf("coverage.backoff_step must not be negative")
	}
	if c.Cache.Enabled && c.Cache.URLTTL <= 0 {
		return fmt.Errorf("cache.url_ttl must be a positive duration when the cache is enabled")
	}
	if c.Cache.Enabled && c.Cache.FillTimeout <= 0 {
		return fmt.Errorf("cache.fill_timeout must be a positive duration when the cache is enabled")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}

// Validate checks the PoolConfig settings.
func (p *PoolConfig) Validate() error {
	if p.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be a positive integer")
	}
	if p.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be a positive duration")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be a positive duration")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	return nil
}
