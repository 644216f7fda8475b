// internal/browser/process.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/config"
)

// ErrProcessNotRunning is returned when sessions are requested before Start or after Shutdown.
var ErrProcessNotRunning = errors.New("browser process is not running")

const sessionCloseTimeout = 10 * time.Second

// Process owns the single browser instance behind a pool. Sessions are page targets
// opened through the DevTools HTTP control plane and attached with chromedp.
type Process struct {
	cfg            config.BrowserConfig
	commandTimeout time.Duration
	logger         *zap.Logger
	control        *ControlPlane

	// Overridable for tests.
	resolveExecPath func() (string, error)

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool
	closed   bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewProcess creates a Process. Nothing is launched until Start.
func NewProcess(cfg config.BrowserConfig, commandTimeout time.Duration, logger *zap.Logger) *Process {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")
	return &Process{
		cfg:             cfg,
		commandTimeout:  commandTimeout,
		logger:          logger,
		control:         NewControlPlane(cfg.DebuggingPort, logger),
		resolveExecPath: DefaultExecPath,
		sessions:        make(map[string]*Session),
	}
}

// ControlPlane exposes the DevTools HTTP client for this process.
func (p *Process) ControlPlane() *ControlPlane {
	return p.control
}

// browserFlags builds the command line switches for the browser. Keys carry no leading dashes.
func browserFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"remote-debugging-port":    strconv.Itoa(cfg.DebuggingPort),
		"headless":                 cfg.Headless,
		"no-sandbox":               true,
		"disable-dev-shm-usage":    true,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if cfg.DisableGPU {
		flags["disable-gpu"] = true
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, ok := strings.Cut(arg, "="); ok {
			flags[key] = value
			continue
		}
		flags[arg] = true
	}
	return flags
}

func execAllocatorOptions(cfg config.BrowserConfig, execPath string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.ExecPath(execPath))

	// Sorted so the command line is stable between runs.
	flags := browserFlags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}
	return opts
}

// Start launches the browser with a temporary profile and waits until the control plane answers.
// The initial tab stays open for the life of the process so that closing the last pooled
// session does not make the browser exit.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProcessNotRunning
	}
	if p.started {
		return nil
	}

	execPath := p.cfg.ExecPath
	if execPath == "" {
		resolved, err := p.resolveExecPath()
		if err != nil {
			return fmt.Errorf("cannot start browser: %w", err)
		}
		execPath = resolved
	}

	p.logger.Info("Launching browser.",
		zap.String("exec_path", execPath),
		zap.Int("debugging_port", p.cfg.DebuggingPort),
		zap.Bool("headless", p.cfg.Headless))

	// The process outlives the Start call, so it is not derived from ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execAllocatorOptions(p.cfg, execPath)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(p.logger.Sugar().Debugf),
		chromedp.WithErrorf(p.logger.Sugar().Warnf),
	)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser process: %w", err)
	}

	select {
	case <-time.After(p.cfg.StartupGrace):
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return ctx.Err()
	}

	info, err := p.control.WaitReady(ctx)
	if err != nil {
		browserCancel()
		allocCancel()
		return err
	}

	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.started = true

	p.logger.Info("Browser process ready.",
		zap.String("browser_version", info.Browser),
		zap.String("protocol_version", info.ProtocolVersion))
	return nil
}

// CreateSession opens a new page target, attaches to it and enables page events.
func (p *Process) CreateSession(ctx context.Context) (Tab, error) {
	p.mu.Lock()
	running := p.started && !p.closed
	browserCtx := p.browserCtx
	p.mu.Unlock()
	if !running {
		return nil, ErrProcessNotRunning
	}

	info, err := p.control.NewTarget(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(target.ID(info.ID)))
	s := newSession(info, p.commandTimeout, tabCtx, tabCancel, p.logger)

	if err := s.initialize(ctx); err != nil {
		s.close()
		p.closeTarget(info.ID)
		return nil, fmt.Errorf("failed to initialize session %s: %w", info.ID, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close()
		p.closeTarget(info.ID)
		return nil, ErrProcessNotRunning
	}
	p.sessions[s.id] = s
	count := len(p.sessions)
	p.mu.Unlock()

	s.logger.Debug("Session created.", zap.Int("live_sessions", count))
	return s, nil
}

// CloseSession closes the target, removes it from the live map and detaches its channel.
func (p *Process) CloseSession(ctx context.Context, tab Tab) error {
	if tab == nil {
		return nil
	}
	p.mu.Lock()
	s, ok := p.sessions[tab.ID()]
	delete(p.sessions, tab.ID())
	p.mu.Unlock()

	if ok {
		s.close()
	}

	if err := p.control.CloseTarget(ctx, tab.ID()); err != nil && !errors.Is(err, ErrTargetNotFound) {
		return fmt.Errorf("failed to close session %s: %w", tab.ID(), err)
	}
	return nil
}

// closeTarget is a best effort close used on failure paths.
func (p *Process) closeTarget(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	if err := p.control.CloseTarget(ctx, id); err != nil && !errors.Is(err, ErrTargetNotFound) {
		p.logger.Warn("Failed to close target.", zap.String("session_id", id), zap.Error(err))
	}
}

// Sessions returns the tracked live sessions.
func (p *Process) Sessions() []Tab {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Tab, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// ListSessions asks the control plane for the page targets it currently has open.
func (p *Process) ListSessions(ctx context.Context) ([]TargetInfo, error) {
	return p.control.ListPages(ctx)
}

// Prune drops tracked sessions whose targets the browser no longer reports,
// returning the ids that were removed.
func (p *Process) Prune(ctx context.Context) ([]string, error) {
	pages, err := p.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]struct{}, len(pages))
	for _, t := range pages {
		alive[t.ID] = struct{}{}
	}

	var stale []*Session
	p.mu.Lock()
	for id, s := range p.sessions {
		if _, ok := alive[id]; !ok {
			stale = append(stale, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		s.close()
		ids = append(ids, s.id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		p.logger.Info("Pruned sessions missing from the browser.", zap.Strings("session_ids", ids))
	}
	return ids, nil
}

// Shutdown closes every session and then the browser: a graceful close bounded by
// ShutdownGrace, followed by a kill. It is safe to call more than once.
func (p *Process) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Process) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	if !started {
		p.logger.Debug("Browser was never started; nothing to shut down.")
		return nil
	}

	p.logger.Info("Shutting down browser process.", zap.Int("sessions", len(sessions)))

	// Sessions go first; the browser may exit on its own once its last tab closes.
	var errs []error
	for _, s := range sessions {
		s.close()
		if err := p.control.CloseTarget(ctx, s.id); err != nil && !errors.Is(err, ErrTargetNotFound) {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.id, err))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(p.browserCtx)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("Graceful browser close reported an error.", zap.Error(err))
		}
	case <-grace.C:
		p.logger.Warn("Browser did not exit within the grace period; killing it.", zap.Duration("grace", p.cfg.ShutdownGrace))
	case <-ctx.Done():
		p.logger.Warn("Shutdown context expired; killing browser.", zap.Error(ctx.Err()))
	}

	p.browserCancel()
	// Cancelling the allocator kills the process and removes the temporary profile.
	p.allocCancel()

	p.logger.Info("Browser process stopped.")
	return errors.Join(errs...)
}
