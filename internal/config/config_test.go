// File: internal/config/config_test.go
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 9222, cfg.Browser.DebuggingPort)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 100*time.Millisecond, cfg.Browser.StartupGrace)
	assert.Equal(t, 10, cfg.Pool.MaxSessions)
	assert.Equal(t, 120*time.Second, cfg.Pool.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.PollInterval)
	assert.True(t, cfg.Pool.PreInitialize)
	assert.False(t, cfg.Pool.WaitForInitializing)
	assert.Equal(t, 3, cfg.Coverage.EmptyThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Coverage.BackoffStep)
	assert.Equal(t, time.Hour, cfg.Cache.URLTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.FillTimeout)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())

		badPort := *cfg
		badPort.Browser.DebuggingPort = 0
		err := badPort.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.debugging_port")

		badThreshold := *cfg
		badThreshold.Coverage.EmptyThreshold = -1
		err = badThreshold.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "coverage.empty_threshold")

		badCache := *cfg
		badCache.Cache.URLTTL = 0
		err = badCache.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.url_ttl")

		// A zero TTL is fine when the cache is off.
		badCache.Cache.Enabled = false
		assert.NoError(t, badCache.Validate())

		badFill := *cfg
		badFill.Cache.FillTimeout = 0
		err = badFill.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.fill_timeout")
	})

	t.Run("Pool Validation", func(t *testing.T) {
		valid := PoolConfig{
			MaxSessions:    2,
			CommandTimeout: time.Second,
			RequestTimeout: time.Second,
			PollInterval:   time.Millisecond,
		}
		assert.NoError(t, valid.Validate())

		noSessions := valid
		noSessions.MaxSessions = 0
		assert.ErrorContains(t, noSessions.Validate(), "max_sessions")

		noTimeout := valid
		noTimeout.RequestTimeout = 0
		assert.ErrorContains(t, noTimeout.Validate(), "request_timeout")

		noPoll := valid
		noPoll.PollInterval = 0
		assert.ErrorContains(t, noPoll.Validate(), "poll_interval")
	})
}

// -- Loading Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yamlConfig := []byte(`
pool:
  max_sessions: 3
  request_timeout: 5s
browser:
  headless: false
  args: ["no-zygote", "window-size=1280,800"]
cache:
  url_ttl: 10m
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Pool.MaxSessions)
		assert.Equal(t, 5*time.Second, cfg.Pool.RequestTimeout)
		assert.False(t, cfg.Browser.Headless)
		assert.Equal(t, []string{"no-zygote", "window-size=1280,800"}, cfg.Browser.Args)
		assert.Equal(t, 10*time.Minute, cfg.Cache.URLTTL)
		// Untouched keys keep their defaults.
		assert.Equal(t, 500*time.Millisecond, cfg.Pool.PollInterval)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("pool.max_sessions", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestConfigureViper(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "critcss.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_sessions: 7\n"), 0o600))

		v := viper.New()
		SetDefaults(v)
		require.NoError(t, ConfigureViper(v, path))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Pool.MaxSessions)
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("CRITCSS_POOL_MAX_SESSIONS", "4")
		t.Chdir(t.TempDir())

		v := viper.New()
		SetDefaults(v)
		require.NoError(t, ConfigureViper(v, ""), "a missing config file is not an error")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Pool.MaxSessions)
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pool: [unterminated"), 0o600))

		v := viper.New()
		err := ConfigureViper(v, path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})
}
