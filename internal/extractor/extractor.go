// internal/extractor/extractor.go
package extractor

import (
	"context"
	"fmt"
	"strings"
)

// Strategy names one of the extraction pipelines.
type Strategy string

const (
	// StrategyBrowser drives a real browser and reads CSS rule coverage.
	StrategyBrowser Strategy = "browser"
	// StrategyStatic fetches the HTML and matches selectors against the parsed DOM.
	StrategyStatic Strategy = "static"
)

// ParseStrategy accepts a strategy name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyBrowser:
		return StrategyBrowser, nil
	case StrategyStatic:
		return StrategyStatic, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want %q or %q)", s, StrategyBrowser, StrategyStatic)
	}
}

// Extractor computes the critical CSS of a single page.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Minifier shrinks CSS text. *minify.CSS implements it.
type Minifier interface {
	Minify(css string) (string, error)
}

// UpstreamError reports a failed browser protocol call or HTTP fetch for one URL.
type UpstreamError struct {
	Op  string
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(op, url string, err error) error {
	return &UpstreamError{Op: op, URL: url, Err: err}
}
