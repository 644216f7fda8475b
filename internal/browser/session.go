// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned by commands issued on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// pageSettleDelay is the pause after Page.enable before the tab is handed out.
const pageSettleDelay = 100 * time.Millisecond

// Session is one page target attached over its own chromedp context.
type Session struct {
	id             string
	endpoint       string
	commandTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Ensure Session implements the interface.
var _ Tab = (*Session)(nil)

func newSession(info *TargetInfo, commandTimeout time.Duration, ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	return &Session{
		id:             info.ID,
		endpoint:       info.WebSocketDebuggerURL,
		commandTimeout: commandTimeout,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.With(zap.String("session_id", info.ID)),
	}
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Endpoint() string              { return s.endpoint }
func (s *Session) CommandTimeout() time.Duration { return s.commandTimeout }

// initialize attaches to the target, enables page events and lets the tab settle.
func (s *Session) initialize(ctx context.Context) error {
	// The first Run must use the tab context itself: chromedp ties the attached
	// target's lifetime to whatever context performs the attach.
	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("failed to attach to target: %w", err)
	}

	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return page.Enable().Do(c)
	}))
	if err != nil {
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	select {
	case <-time.After(pageSettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate issues Page.navigate and reports a navigation error text as a failure.
// It does not wait for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(c, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
		}
		return nil
	}))
}

func (s *Session) EnableCoverage(ctx context.Context) error {
	return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.Enable().Do(c); err != nil {
			return fmt.Errorf("DOM.enable: %w", err)
		}
		if err := css.Enable().Do(c); err != nil {
			return fmt.Errorf("CSS.enable: %w", err)
		}
		if err := css.StartRuleUsageTracking().Do(c); err != nil {
			return fmt.Errorf("CSS.startRuleUsageTracking: %w", err)
		}
		return nil
	}))
}

func (s *Session) TakeCoverageDelta(ctx context.Context) ([]RuleUsage, error) {
	var usages []RuleUsage
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		coverage, _, err := css.TakeCoverageDelta().Do(c)
		if err != nil {
			return fmt.Errorf("CSS.takeCoverageDelta: %w", err)
		}
		usages = toRuleUsages(coverage)
		return nil
	}))
	return usages, err
}

func (s *Session) StopCoverage(ctx context.Context) ([]RuleUsage, error) {
	var usages []RuleUsage
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		remaining, err := css.StopRuleUsageTracking().Do(c)
		if err != nil {
			return fmt.Errorf("CSS.stopRuleUsageTracking: %w", err)
		}
		usages = toRuleUsages(remaining)
		return nil
	}))
	return usages, err
}

func (s *Session) StyleSheetText(ctx context.Context, styleSheetID string) (string, error) {
	var text string
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		params := &css.GetStyleSheetTextParams{}
		setID(&params.StyleSheetID, styleSheetID)
		t, err := params.Do(c)
		if err != nil {
			return fmt.Errorf("CSS.getStyleSheetText(%s): %w", styleSheetID, err)
		}
		text = t
		return nil
	}))
	return text, err
}

// run executes actions on the tab, bounded by the caller's context and the command timeout.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if s.commandTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, s.commandTimeout)
		defer timeoutCancel()
	}

	if err := chromedp.Run(runCtx, actions...); err != nil {
		// Prefer the caller's cancellation reason over chromedp's wrapped error.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// close detaches the chromedp context. It reports whether this call closed it.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Debug("Session detached.")
	return true
}

func toRuleUsages(in []*css.RuleUsage) []RuleUsage {
	if len(in) == 0 {
		return nil
	}
	out := make([]RuleUsage, 0, len(in))
	for _, u := range in {
		if u == nil {
			continue
		}
		out = append(out, RuleUsage{
			StyleSheetID: string(u.StyleSheetID),
			StartOffset:  u.StartOffset,
			EndOffset:    u.EndOffset,
			Used:         u.Used,
		})
	}
	return out
}

// setID assigns a plain string to any of the protocol's string-backed id types.
func setID[T ~string](dst *T, id string) {
	*dst = T(id)
}
