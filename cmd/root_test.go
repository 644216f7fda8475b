// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/critical-css/internal/config"
	"github.com/xkilldash9x/critical-css/internal/observability"
)

// executeCommand runs a fresh command tree from an empty working directory so
// no stray config.yaml is picked up.
func executeCommand(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t, context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "critcss computes the critical CSS of web pages.")
	for _, sub := range []string{"serve", "extract", "sessions"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_sessions: 0\n"), 0o600))

	_, err := executeCommand(t, context.Background(), "--config", path, "extract", "--strategy", "static", "https://a.test/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_sessions")
}

func TestInitializeConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: warn
server:
  addr: ":7000"
pool:
  max_sessions: 5
`), 0o600))

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--addr", "127.0.0.1:9999", "--no-cache", "--max-sessions", "3"}))

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(cmd, v, path))

	assert.Equal(t, "127.0.0.1:9999", v.GetString("server.addr"), "flag beats file")
	assert.Equal(t, 3, v.GetInt("pool.max_sessions"))
	assert.False(t, v.GetBool("cache.enabled"))
	assert.Equal(t, "warn", v.GetString("logger.level"), "file beats default")
	assert.True(t, v.GetBool("browser.headless"), "unset flag leaves the default alone")
}

func TestInitializeConfig_EnvOverride(t *testing.T) {
	t.Setenv("CRITCSS_POOL_MAX_SESSIONS", "7")
	t.Chdir(t.TempDir())

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(newServeCmd(), v, ""))
	assert.Equal(t, 7, v.GetInt("pool.max_sessions"))
}

func TestConfigFromContext(t *testing.T) {
	_, err := configFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := configFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
