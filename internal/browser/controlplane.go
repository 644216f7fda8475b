// internal/browser/controlplane.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrTargetNotFound is returned when the browser does not know the requested target id.
var ErrTargetNotFound = errors.New("target not found")

const (
	defaultReadyAttempts = 20
	defaultReadyDelay    = 100 * time.Millisecond
)

// TargetInfo is one entry of the DevTools /json/list endpoint.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
}

// VersionInfo is the DevTools /json/version payload.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ControlPlane talks to the browser's local DevTools HTTP endpoints
// to create, list and close page targets.
type ControlPlane struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	readyAttempts uint
	readyDelay    time.Duration
}

// NewControlPlane returns a client for the DevTools HTTP API on 127.0.0.1:port.
func NewControlPlane(port int, logger *zap.Logger) *ControlPlane {
	return NewControlPlaneWithBase(fmt.Sprintf("http://127.0.0.1:%d", port), nil, logger)
}

// NewControlPlaneWithBase is NewControlPlane with an explicit base URL and HTTP client.
func NewControlPlaneWithBase(baseURL string, client *http.Client, logger *zap.Logger) *ControlPlane {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlPlane{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		logger:        logger.Named("control_plane"),
		readyAttempts: defaultReadyAttempts,
		readyDelay:    defaultReadyDelay,
	}
}

// BaseURL returns the control-plane root, e.g. http://127.0.0.1:9222.
func (c *ControlPlane) BaseURL() string {
	return c.baseURL
}

// Version fetches /json/version.
func (c *ControlPlane) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.do(ctx, http.MethodGet, "/json/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitReady polls /json/version until the browser answers or the attempts run out.
func (c *ControlPlane) WaitReady(ctx context.Context) (*VersionInfo, error) {
	var info *VersionInfo
	err := retry.New(
		retry.Attempts(c.readyAttempts),
		retry.Delay(c.readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		v, err := c.Version(ctx)
		if err != nil {
			c.logger.Debug("Control plane not ready yet.", zap.Error(err))
			return err
		}
		info = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("control plane at %s never became ready: %w", c.baseURL, err)
	}
	return info, nil
}

// NewTarget opens a new page target navigated to rawURL (about:blank when empty).
func (c *ControlPlane) NewTarget(ctx context.Context, rawURL string) (*TargetInfo, error) {
	path := "/json/new"
	if rawURL != "" {
		path += "?" + url.QueryEscape(rawURL)
	}
	var info TargetInfo
	// Current Chrome rejects GET on /json/new.
	if err := c.do(ctx, http.MethodPut, path, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("control plane returned a target without an id")
	}
	return &info, nil
}

// ListTargets returns every target the browser reports.
func (c *ControlPlane) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	var targets []TargetInfo
	if err := c.do(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// ListPages returns only targets of type "page".
func (c *ControlPlane) ListPages(ctx context.Context) ([]TargetInfo, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	pages := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// CloseTarget closes the target with the given id.
func (c *ControlPlane) CloseTarget(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodGet, "/json/close/"+url.PathEscape(id), nil)
}

// do issues one request and decodes a JSON body into out when out is non-nil.
func (c *ControlPlane) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build control plane request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read control plane response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrTargetNotFound, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("control plane %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode control plane response: %w", err)
	}
	return nil
}
