// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/browser"
	"github.com/xkilldash9x/critical-css/internal/config"
)

var (
	// ErrPoolExhausted is returned by Acquire when no session became free before the request timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolClosed is returned once Shutdown has begun.
	ErrPoolClosed = errors.New("session pool is closed")
)

// SessionFactory creates and destroys the sessions a Pool hands out.
// *browser.Process is the production implementation.
type SessionFactory interface {
	Start(ctx context.Context) error
	CreateSession(ctx context.Context) (browser.Tab, error)
	CloseSession(ctx context.Context, tab browser.Tab) error
	Shutdown(ctx context.Context) error
}

var _ SessionFactory = (*browser.Process)(nil)

// pruner is implemented by factories that can report sessions the browser has lost.
type pruner interface {
	Prune(ctx context.Context) ([]string, error)
}

// SessionInfo is a point-in-time view of one pooled session.
type SessionInfo struct {
	ID             string        `json:"id"`
	Endpoint       string        `json:"endpoint"`
	CommandTimeout time.Duration `json:"commandTimeout"`
	Busy           bool          `json:"busy"`
}

// Stats summarizes pool occupancy.
type Stats struct {
	Live    int `json:"live"`
	Busy    int `json:"busy"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
	Max     int `json:"max"`
}

type entry struct {
	tab  browser.Tab
	busy bool
}

// Pool is a bounded set of browser sessions. Acquire prefers an idle session, then
// grows up to MaxSessions, and only then waits for a Release.
type Pool struct {
	cfg     config.PoolConfig
	factory SessionFactory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	// pending counts growth slots reserved by callers that are still creating a session.
	pending int
	// released is closed and replaced on every Release so all waiters wake up.
	released chan struct{}
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	initWG     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a pool. Nothing is started until Initialize.
func New(cfg config.PoolConfig, factory SessionFactory, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		factory:    factory,
		logger:     logger.Named("pool"),
		sessions:   make(map[string]*entry),
		released:   make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Initialize starts the browser process and, when PreInitialize is set, creates
// MaxSessions idle sessions. With WaitForInitializing the sessions exist when
// Initialize returns; otherwise they are created in the background.
func (p *Pool) Initialize(ctx context.Context) error {
	if err := p.factory.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser process: %w", err)
	}
	p.logger.Info("Session pool started.",
		zap.Int("max_sessions", p.cfg.MaxSessions),
		zap.Bool("pre_initialize", p.cfg.PreInitialize),
		zap.Bool("wait_for_initializing", p.cfg.WaitForInitializing))

	if !p.cfg.PreInitialize {
		return nil
	}
	if p.cfg.WaitForInitializing {
		p.prewarm(ctx)
		return nil
	}

	p.initWG.Add(1)
	go func() {
		defer p.initWG.Done()
		p.prewarm(p.baseCtx)
	}()
	return nil
}

// prewarm fills the pool with idle sessions until the cap is reached or creation fails.
func (p *Pool) prewarm(ctx context.Context) {
	created := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if !p.reserve() {
			break
		}
		tab, err := p.create(ctx, false)
		if err != nil {
			p.logger.Warn("Pre-initialization stopped early.", zap.Int("created", created), zap.Error(err))
			return
		}
		if tab != nil {
			created++
		}
	}
	p.logger.Info("Pre-initialization finished.", zap.Int("created", created))
}

// reserve claims a growth slot if live+pending is below the cap.
func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.sessions)+p.pending >= p.cfg.MaxSessions {
		return false
	}
	p.pending++
	return true
}

// create builds a session for a reserved slot and registers it. The slot is
// always given back, whether creation succeeds or not.
func (p *Pool) create(ctx context.Context, busy bool) (browser.Tab, error) {
	tab, err := p.factory.CreateSession(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		// The slot is free again; a waiter may now grow.
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeTab(tab)
		return nil, ErrPoolClosed
	}
	p.sessions[tab.ID()] = &entry{tab: tab, busy: busy}
	live := len(p.sessions)
	if !busy {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	p.logger.Debug("Session added to pool.", zap.String("session_id", tab.ID()), zap.Int("live_sessions", live))
	return tab, nil
}

// Acquire returns an idle session marked busy, creating one when below the cap.
// At the cap it waits, re-checking every PollInterval and on every Release, until
// RequestTimeout elapses and ErrPoolExhausted is returned.
func (p *Pool) Acquire(ctx context.Context) (browser.Tab, error) {
	timeout := time.NewTimer(p.cfg.RequestTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tab, grow, wake, err := p.claim()
		if err != nil {
			return nil, err
		}
		if tab != nil {
			return tab, nil
		}
		if grow {
			return p.create(ctx, true)
		}

		select {
		case <-wake:
		case <-ticker.C:
		case <-timeout.C:
			p.logger.Warn("Timed out waiting for a free session.", zap.Duration("request_timeout", p.cfg.RequestTimeout))
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// claim performs the find-idle-or-grow decision in one critical section.
func (p *Pool) claim() (tab browser.Tab, grow bool, wake <-chan struct{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, nil, ErrPoolClosed
	}
	for _, e := range p.sessions {
		if !e.busy {
			e.busy = true
			return e.tab, false, nil, nil
		}
	}
	if len(p.sessions)+p.pending < p.cfg.MaxSessions {
		p.pending++
		return nil, true, nil, nil
	}
	return nil, false, p.released, nil
}

// Release marks the session idle. The caller is trusted to actually hold it;
// unknown sessions are ignored.
func (p *Pool) Release(tab browser.Tab) {
	if tab == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[tab.ID()]
	if !ok {
		p.logger.Debug("Release of an untracked session ignored.", zap.String("session_id", tab.ID()))
		return
	}
	e.busy = false
	p.broadcastLocked()
}

func (p *Pool) broadcastLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

// ListActive returns a snapshot of every live session, ordered by id.
func (p *Pool) ListActive() []SessionInfo {
	p.mu.Lock()
	infos := lo.MapToSlice(p.sessions, func(id string, e *entry) SessionInfo {
		return SessionInfo{
			ID:             id,
			Endpoint:       e.tab.Endpoint(),
			CommandTimeout: e.tab.CommandTimeout(),
			Busy:           e.busy,
		}
	})
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := lo.CountBy(lo.Values(p.sessions), func(e *entry) bool { return e.busy })
	return Stats{
		Live:    len(p.sessions),
		Busy:    busy,
		Idle:    len(p.sessions) - busy,
		Pending: p.pending,
		Max:     p.cfg.MaxSessions,
	}
}

// Prune drops sessions that the browser no longer reports. It is a no-op when the
// factory cannot tell.
func (p *Pool) Prune(ctx context.Context) ([]string, error) {
	pr, ok := p.factory.(pruner)
	if !ok {
		return nil, nil
	}
	ids, err := pr.Prune(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	p.mu.Lock()
	for _, id := range ids {
		delete(p.sessions, id)
	}
	// Freed capacity lets waiters grow.
	p.broadcastLocked()
	p.mu.Unlock()
	return ids, nil
}

// Shutdown stops pre-initialization, closes every session and terminates the browser.
// Waiters blocked in Acquire return ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.broadcastLocked()
	p.mu.Unlock()

	p.baseCancel()
	p.initWG.Wait()

	p.mu.Lock()
	tabs := lo.MapToSlice(p.sessions, func(_ string, e *entry) browser.Tab { return e.tab })
	p.sessions = make(map[string]*entry)
	p.mu.Unlock()

	p.logger.Info("Shutting down session pool.", zap.Int("sessions", len(tabs)))

	var errs []error
	for _, tab := range tabs {
		if err := p.factory.CloseSession(ctx, tab); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.factory.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down browser process: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Pool) closeTab(tab browser.Tab) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.factory.CloseSession(ctx, tab); err != nil {
		p.logger.Warn("Failed to close session.", zap.String("session_id", tab.ID()), zap.Error(err))
	}
}
