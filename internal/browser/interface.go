// internal/browser/interface.go
package browser

import (
	"context"
	"time"
)

// RuleUsage is one coverage fact reported by the CSS domain: a byte range of a
// stylesheet and whether the rule in it was applied.
type RuleUsage struct {
	StyleSheetID string
	StartOffset  float64
	EndOffset    float64
	Used         bool
}

// Tab is a controllable page target with its own command channel.
type Tab interface {
	ID() string
	// Endpoint is the target's websocket debugger address.
	Endpoint() string
	CommandTimeout() time.Duration

	Navigate(ctx context.Context, url string) error
	// EnableCoverage turns on the DOM and CSS domains and starts rule usage tracking.
	EnableCoverage(ctx context.Context) error
	TakeCoverageDelta(ctx context.Context) ([]RuleUsage, error)
	StopCoverage(ctx context.Context) ([]RuleUsage, error)
	StyleSheetText(ctx context.Context, styleSheetID string) (string, error)
}
