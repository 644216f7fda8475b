// internal/browser/integration_test.go
package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const integrationPage = `<!doctype html>
<html><head>
<link rel="stylesheet" href="/site.css">
</head><body><h1 class="title">Hello</h1></body></html>`

const integrationCSS = `.title{color:red}.unused-rule{color:blue}`

// freePort asks the kernel for an unused TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startIntegrationProcess launches a real browser, skipping when none is installed.
func startIntegrationProcess(t *testing.T) *Process {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	execPath, err := DefaultExecPath()
	if err != nil {
		t.Skipf("no browser available: %v", err)
	}

	cfg := testBrowserConfig()
	cfg.ExecPath = execPath
	cfg.DebuggingPort = freePort(t)

	p := NewProcess(cfg, 30*time.Second, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p
}

func TestIntegration_CoverageRoundTrip(t *testing.T) {
	p := startIntegrationProcess(t)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/site.css" {
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte(integrationCSS))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(integrationPage))
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tab, err := p.CreateSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tab.Endpoint())

	require.NoError(t, tab.EnableCoverage(ctx))
	require.NoError(t, tab.Navigate(ctx, site.URL))

	var usages []RuleUsage
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		delta, err := tab.TakeCoverageDelta(ctx)
		require.NoError(t, err)
		usages = append(usages, delta...)
		if len(usages) > 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	rest, err := tab.StopCoverage(ctx)
	require.NoError(t, err)
	usages = append(usages, rest...)
	require.NotEmpty(t, usages, "the page applies at least one rule")

	var used *RuleUsage
	for i := range usages {
		if usages[i].Used {
			used = &usages[i]
			break
		}
	}
	require.NotNil(t, used)

	text, err := tab.StyleSheetText(ctx, used.StyleSheetID)
	require.NoError(t, err)
	assert.Equal(t, integrationCSS, text)
	assert.Equal(t, ".title{color:red}", text[int(used.StartOffset):int(used.EndOffset)])

	pages, err := p.ListSessions(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(pages))
	for _, pg := range pages {
		ids = append(ids, pg.ID)
	}
	assert.Contains(t, ids, tab.ID())

	require.NoError(t, p.CloseSession(ctx, tab))
	assert.Empty(t, p.Sessions())
}
