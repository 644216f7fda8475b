// internal/extractor/coverage.go
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/browser"
	"github.com/xkilldash9x/critical-css/internal/config"
)

// Acquirer hands out browser sessions. *pool.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (browser.Tab, error)
	Release(tab browser.Tab)
}

// Coverage extracts the CSS rules a browser actually applied while loading a page.
type Coverage struct {
	sessions       Acquirer
	minifier       Minifier
	emptyThreshold int
	backoffStep    time.Duration
	logger         *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Extractor = (*Coverage)(nil)

// NewCoverage creates a coverage extractor borrowing sessions from sessions.
func NewCoverage(sessions Acquirer, minifier Minifier, cfg config.CoverageConfig, logger *zap.Logger) *Coverage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coverage{
		sessions:       sessions,
		minifier:       minifier,
		emptyThreshold: cfg.EmptyThreshold,
		backoffStep:    cfg.BackoffStep,
		logger:         logger.Named("coverage"),
		sleep:          sleepContext,
	}
}

// Extract navigates a pooled session to url with rule usage tracking on and
// rebuilds the used rules from their stylesheet offsets. The session goes back
// to the pool on every exit path.
func (c *Coverage) Extract(ctx context.Context, url string) (string, error) {
	tab, err := c.sessions.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer c.sessions.Release(tab)

	log := c.logger.With(zap.String("url", url), zap.String("session_id", tab.ID()))
	start := time.Now()

	if err := tab.EnableCoverage(ctx); err != nil {
		return "", upstream("enable coverage", url, err)
	}
	if err := tab.Navigate(ctx, url); err != nil {
		return "", upstream("navigate", url, err)
	}

	records, polls, err := c.poll(ctx, tab, url)
	if err != nil {
		return "", err
	}

	rest, err := tab.StopCoverage(ctx)
	if err != nil {
		return "", upstream("stop coverage", url, err)
	}
	records = append(records, rest...)

	raw, sheets, err := reconstruct(ctx, tab, url, records)
	if err != nil {
		return "", err
	}

	out, err := c.minifier.Minify(raw)
	if err != nil {
		return "", fmt.Errorf("minify %s: %w", url, err)
	}

	log.Info("Coverage extraction complete.",
		zap.Int("records", len(records)),
		zap.Int("polls", polls),
		zap.Int("stylesheets", sheets),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("min_bytes", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// poll collects coverage deltas until the page stops producing them. An empty delta
// triggers a linear backoff sleep followed by one immediate retry; the loop ends once
// the latest delta is empty and more than emptyThreshold backoffs ran in a row.
// This is a heuristic: the protocol has no signal that coverage is complete.
func (c *Coverage) poll(ctx context.Context, tab browser.Tab, url string) ([]browser.RuleUsage, int, error) {
	var records []browser.RuleUsage
	polls := 0
	waitCount := 0

	take := func() ([]browser.RuleUsage, error) {
		polls++
		delta, err := tab.TakeCoverageDelta(ctx)
		if err != nil {
			return nil, upstream("take coverage delta", url, err)
		}
		return delta, nil
	}

	for {
		delta, err := take()
		if err != nil {
			return nil, polls, err
		}

		if len(delta) > 0 {
			records = append(records, delta...)
			waitCount = 0
			continue
		}

		if err := c.sleep(ctx, time.Duration(waitCount)*c.backoffStep); err != nil {
			return nil, polls, err
		}
		waitCount++

		delta, err = take()
		if err != nil {
			return nil, polls, err
		}
		if len(delta) > 0 {
			records = append(records, delta...)
			waitCount = 0
			continue
		}

		if waitCount > c.emptyThreshold {
			return records, polls, nil
		}
	}
}

// reconstruct slices every used record out of its stylesheet text and concatenates
// the slices in record order. Each stylesheet's text is fetched once.
// Offsets count UTF-16 code units, the unit the browser reports them in.
func reconstruct(ctx context.Context, tab browser.Tab, url string, records []browser.RuleUsage) (string, int, error) {
	texts := make(map[string][]uint16)
	var b strings.Builder

	for _, r := range records {
		if !r.Used {
			continue
		}

		units, ok := texts[r.StyleSheetID]
		if !ok {
			text, err := tab.StyleSheetText(ctx, r.StyleSheetID)
			if err != nil {
				return "", len(texts), upstream("get stylesheet text", url, err)
			}
			units = utf16.Encode([]rune(text))
			texts[r.StyleSheetID] = units
		}

		start, end := int(r.StartOffset), int(r.EndOffset)
		if start < 0 || end < start || end > len(units) {
			return "", len(texts), upstream("slice stylesheet", url,
				fmt.Errorf("range [%d,%d) outside stylesheet %s of length %d", start, end, r.StyleSheetID, len(units)))
		}
		b.WriteString(string(utf16.Decode(units[start:end])))
	}
	return b.String(), len(texts), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
