// internal/minify/minify.go
package minify

import (
	"fmt"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
)

const mediaTypeCSS = "text/css"

// CSS minifies stylesheets. It is safe for concurrent use.
type CSS struct {
	m *minify.M
}

// NewCSS returns a CSS minifier with default settings.
func NewCSS() *CSS {
	m := minify.New()
	m.AddFunc(mediaTypeCSS, css.Minify)
	return &CSS{m: m}
}

// Minify returns text with whitespace, comments and redundant tokens removed.
func (c *CSS) Minify(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	out, err := c.m.String(mediaTypeCSS, text)
	if err != nil {
		return "", fmt.Errorf("failed to minify css: %w", err)
	}
	return out, nil
}
