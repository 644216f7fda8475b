// internal/browser/process_test.go
package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/critical-css/internal/config"
)

func testBrowserConfig() config.BrowserConfig {
	return config.NewDefaultConfig().Browser
}

func TestBrowserFlags(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.DebuggingPort = 9333
	cfg.Headless = false
	cfg.DisableGPU = true
	cfg.Args = []string{"--no-zygote", "window-size=1280,800", "  ", "--lang=en-US"}

	flags := browserFlags(cfg)

	assert.Equal(t, "9333", flags["remote-debugging-port"])
	assert.Equal(t, false, flags["headless"])
	assert.Equal(t, true, flags["no-sandbox"])
	assert.Equal(t, true, flags["disable-dev-shm-usage"])
	assert.Equal(t, true, flags["disable-gpu"])
	assert.Equal(t, true, flags["no-zygote"], "leading dashes are stripped")
	assert.Equal(t, "1280,800", flags["window-size"])
	assert.Equal(t, "en-US", flags["lang"])
	assert.NotContains(t, flags, "")
}

func TestBrowserFlags_GPUEnabled(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.DisableGPU = false
	assert.NotContains(t, browserFlags(cfg), "disable-gpu")
}

func TestExecAllocatorOptions(t *testing.T) {
	opts := execAllocatorOptions(testBrowserConfig(), "/usr/bin/google-chrome")
	// Defaults + exec path + one option per flag.
	assert.Greater(t, len(opts), len(browserFlags(testBrowserConfig())))
}

func TestProcess_StartFailsWithoutBinary(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.ExecPath = ""
	p := NewProcess(cfg, time.Second, zaptest.NewLogger(t))
	p.resolveExecPath = func() (string, error) {
		return "", ErrBinaryNotFound
	}

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestProcess_NotRunning(t *testing.T) {
	p := NewProcess(testBrowserConfig(), time.Second, zaptest.NewLogger(t))

	_, err := p.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrProcessNotRunning)

	// Shutdown of a never-started process is a no-op and idempotent.
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.ErrorIs(t, p.Start(context.Background()), ErrProcessNotRunning, "a shut down process cannot be restarted")
}

// trackSession registers a session without a browser behind it.
func trackSession(p *Process, id string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(&TargetInfo{ID: id, WebSocketDebuggerURL: "ws://test/" + id}, time.Second, ctx, cancel, zap.NewNop())
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()
	return s
}

func TestProcess_ListAndPrune(t *testing.T) {
	f := newFakeDevTools()
	f.addTarget("alive", "page")
	f.addTarget("anchor", "page")
	f.addTarget("sw", "service_worker")

	p := NewProcess(testBrowserConfig(), time.Second, zaptest.NewLogger(t))
	p.control = newTestControlPlane(t, f)

	alive := trackSession(p, "alive")
	gone := trackSession(p, "gone")

	pages, err := p.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, pages, 2)

	removed, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, removed)

	tabs := p.Sessions()
	require.Len(t, tabs, 1)
	assert.Equal(t, "alive", tabs[0].ID())

	_, err = gone.TakeCoverageDelta(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed, "pruned sessions are detached")
	assert.False(t, alive.closed)
}

func TestProcess_CloseSession(t *testing.T) {
	f := newFakeDevTools()
	f.addTarget("s1", "page")

	p := NewProcess(testBrowserConfig(), time.Second, zaptest.NewLogger(t))
	p.control = newTestControlPlane(t, f)
	s := trackSession(p, "s1")

	require.NoError(t, p.CloseSession(context.Background(), s))
	assert.Empty(t, p.Sessions())
	assert.True(t, s.closed)

	// Closing again tolerates the target being gone already.
	require.NoError(t, p.CloseSession(context.Background(), s))
	require.NoError(t, p.CloseSession(context.Background(), nil))
}

func TestProcess_CloseSessionControlPlaneDown(t *testing.T) {
	p := NewProcess(testBrowserConfig(), time.Second, zaptest.NewLogger(t))
	p.control = NewControlPlaneWithBase("http://127.0.0.1:1", nil, nil)
	s := trackSession(p, "s1")

	err := p.CloseSession(context.Background(), s)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTargetNotFound))
	assert.Empty(t, p.Sessions(), "the session is forgotten even when the close request fails")
}
