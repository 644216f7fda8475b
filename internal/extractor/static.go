// internal/extractor/static.go
package extractor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps how much of any page or stylesheet is read.
const maxBodyBytes = 10 << 20

// Doer sends HTTP requests. *network.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Static extracts critical CSS without a browser: it keeps the rules whose
// selectors match at least one node of the fetched HTML.
type Static struct {
	client   Doer
	minifier Minifier
	logger   *zap.Logger
}

var _ Extractor = (*Static)(nil)

// NewStatic creates a static extractor. The client must not follow redirects.
func NewStatic(client Doer, minifier Minifier, logger *zap.Logger) *Static {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Static{
		client:   client,
		minifier: minifier,
		logger:   logger.Named("static"),
	}
}

// Extract fetches pageURL, gathers its linked and inline stylesheets and
// returns the minified rules that apply to the document. A redirect response
// yields an empty result.
func (s *Static) Extract(ctx context.Context, pageURL string) (string, error) {
	log := s.logger.With(zap.String("url", pageURL))
	start := time.Now()

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page url %q: %w", pageURL, err)
	}

	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return "", upstream("fetch page", pageURL, err)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) {
		log.Info("Page answered with a redirect; not following it.",
			zap.Int("status", resp.StatusCode),
			zap.String("location", resp.Header.Get("Location")))
		return "", nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", upstream("fetch page", pageURL, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", upstream("parse html", pageURL, err)
	}

	links, inline := collectStyleSources(doc)
	resolved := make([]string, 0, len(links))
	for _, href := range links {
		abs, ok := resolveHref(base, href)
		if !ok {
			log.Debug("Skipping unresolvable stylesheet link.", zap.String("href", href))
			continue
		}
		resolved = append(resolved, abs)
	}

	external, err := s.fetchStylesheets(ctx, pageURL, resolved)
	if err != nil {
		return "", err
	}

	sources := make([]string, 0, len(external)+len(inline))
	for _, text := range external {
		if text != "" {
			sources = append(sources, text)
		}
	}
	sources = append(sources, inline...)

	used, stats := filterUsedRules(sources, doc.Nodes[0], log)

	out, err := s.minifier.Minify(used)
	if err != nil {
		return "", fmt.Errorf("minify %s: %w", pageURL, err)
	}

	log.Info("Static extraction complete.",
		zap.Int("stylesheets", len(resolved)),
		zap.Int("inline_styles", len(inline)),
		zap.Int("rules_total", stats.Total),
		zap.Int("rules_used", stats.Used),
		zap.Int("rules_unclassified", stats.Unclassified),
		zap.Int("min_bytes", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// fetchStylesheets downloads every link concurrently. Results keep link order.
// Responses other than 2xx are skipped; transport errors fail the extraction.
func (s *Static) fetchStylesheets(ctx context.Context, pageURL string, links []string) ([]string, error) {
	texts := make([]string, len(links))
	g, gctx := errgroup.WithContext(ctx)

	for i, link := range links {
		g.Go(func() error {
			resp, err := s.get(gctx, link)
			if err != nil {
				return upstream("fetch stylesheet", pageURL, fmt.Errorf("%s: %w", link, err))
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				s.logger.Debug("Skipping stylesheet with non-success status.",
					zap.String("url", pageURL),
					zap.String("stylesheet", link),
					zap.Int("status", resp.StatusCode))
				return nil
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return upstream("read stylesheet", pageURL, fmt.Errorf("%s: %w", link, err))
			}
			texts[i] = string(body)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

func (s *Static) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// collectStyleSources returns the hrefs of stylesheet links and the text of <style> elements,
// both in document order.
func collectStyleSources(doc *goquery.Document) (links []string, inline []string) {
	doc.Find("link").Each(func(_ int, sel *goquery.Selection) {
		if !isStylesheetLink(sel) {
			return
		}
		if href := strings.TrimSpace(sel.AttrOr("href", "")); href != "" {
			links = append(links, href)
		}
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		inline = append(inline, sel.Text())
	})
	return links, inline
}

func isStylesheetLink(sel *goquery.Selection) bool {
	for _, rel := range strings.Fields(sel.AttrOr("rel", "")) {
		if strings.EqualFold(rel, "stylesheet") {
			return true
		}
	}
	return strings.EqualFold(strings.TrimSpace(sel.AttrOr("type", "")), "text/css")
}

// resolveHref turns a stylesheet href into an absolute http(s) URL.
// Protocol-relative hrefs get https; relative ones resolve against the page URL.
func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		if base == nil || !base.IsAbs() {
			return "", false
		}
		ref = base.ResolveReference(ref)
	}

	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", false
	}
	ref.Fragment, ref.RawFragment = "", ""
	return ref.String(), true
}

func isRedirect(status int) bool {
	return status >= 300 && status <= 399
}
