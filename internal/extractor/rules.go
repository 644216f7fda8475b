// internal/extractor/rules.go
package extractor

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"github.com/tdewolff/parse/v2"
	cssparse "github.com/tdewolff/parse/v2/css"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// groupingAtRules hold style rules that are filtered one by one.
// Every other at-rule (@font-face, @keyframes, @import, ...) is kept as is.
var groupingAtRules = map[string]bool{
	"@media":         true,
	"@supports":      true,
	"@document":      true,
	"@-moz-document": true,
	"@layer":         true,
	"@container":     true,
	"@scope":         true,
}

// ruleStats counts the outcome of filtering.
type ruleStats struct {
	Total        int
	Used         int
	Unclassified int
}

// statement is one top-level rule of a stylesheet.
type statement struct {
	text string
	// atName is the lowercased at-keyword, empty for style rules.
	atName  string
	prelude string
	// body is the text between the outermost braces when block is set.
	body  string
	block bool
}

// splitStatements cuts src into top-level statements. Braces inside strings,
// comments and url() tokens do not count. An unterminated statement at the end
// of src is returned with block unset.
func splitStatements(src string) []statement {
	var out []statement
	l := cssparse.NewLexer(parse.NewInputString(src))

	pos, start, open, depth := 0, -1, 0, 0
	atName := ""
	for {
		tt, data := l.Next()
		if tt == cssparse.ErrorToken {
			break
		}
		n := len(data)

		if start < 0 {
			switch tt {
			case cssparse.WhitespaceToken, cssparse.CommentToken, cssparse.CDOToken, cssparse.CDCToken:
				pos += n
				continue
			case cssparse.AtKeywordToken:
				atName = strings.ToLower(string(data))
			default:
				atName = ""
			}
			start = pos
		}

		switch tt {
		case cssparse.LeftBraceToken:
			if depth == 0 {
				open = pos
			}
			depth++
		case cssparse.RightBraceToken:
			if depth == 0 {
				break
			}
			depth--
			if depth == 0 {
				out = append(out, statement{
					text:    src[start : pos+n],
					atName:  atName,
					prelude: strings.TrimSpace(src[start:open]),
					body:    src[open+1 : pos],
					block:   true,
				})
				start = -1
			}
		case cssparse.SemicolonToken:
			if depth == 0 {
				out = append(out, statement{
					text:    src[start : pos+n],
					atName:  atName,
					prelude: strings.TrimSpace(src[start:pos]),
				})
				start = -1
			}
		}
		pos += n
	}

	if start >= 0 {
		out = append(out, statement{
			text:    src[start:],
			atName:  atName,
			prelude: strings.TrimSpace(src[start:]),
		})
	}
	return out
}

// filterUsedRules renders, in source order, every rule of sources whose selector
// matches at least one node under root. Each source is split on its own, so a
// malformed stylesheet cannot swallow the ones after it. A style rule that cannot
// be parsed or whose selector cannot be compiled is kept.
func filterUsedRules(sources []string, root *html.Node, log *zap.Logger) (string, ruleStats) {
	var stats ruleStats
	m := &ruleMatcher{root: root, log: log, stats: &stats}

	var b strings.Builder
	for _, src := range sources {
		m.filterInto(&b, src)
	}
	return b.String(), stats
}

type ruleMatcher struct {
	root  *html.Node
	log   *zap.Logger
	stats *ruleStats
	// compiled caches selector outcomes; identical selectors recur across rules.
	compiled map[string]bool
}

func (m *ruleMatcher) filterInto(b *strings.Builder, src string) {
	for _, st := range splitStatements(src) {
		switch {
		case st.atName == "":
			m.stats.Total++
			if m.ruleUsed(st) {
				m.stats.Used++
				b.WriteString(st.text)
				b.WriteString("\n")
			}

		case st.block && groupingAtRules[st.atName]:
			var inner strings.Builder
			m.filterInto(&inner, st.body)
			if inner.Len() == 0 {
				continue
			}
			b.WriteString(st.prelude)
			b.WriteString("{")
			b.WriteString(inner.String())
			b.WriteString("}\n")

		default:
			b.WriteString(st.text)
			b.WriteString("\n")
		}
	}
}

func (m *ruleMatcher) ruleUsed(st statement) bool {
	selectors, ok := m.selectors(st)
	if !ok {
		m.stats.Unclassified++
		return true
	}
	for _, sel := range selectors {
		if m.selectorUsed(strings.TrimSpace(sel)) {
			return true
		}
	}
	return false
}

// selectors splits the selector list of a style rule. ok is false when the rule
// does not parse as exactly one qualified rule.
func (m *ruleMatcher) selectors(st statement) ([]string, bool) {
	if !st.block {
		m.log.Debug("Unterminated style rule; keeping it.", zap.String("prelude", st.prelude))
		return nil, false
	}
	sheet, err := parser.Parse(st.text)
	if err != nil || len(sheet.Rules) != 1 || sheet.Rules[0].Kind != css.QualifiedRule {
		m.log.Debug("Style rule could not be parsed; keeping it.", zap.String("prelude", st.prelude), zap.Error(err))
		return nil, false
	}

	rule := sheet.Rules[0]
	if len(rule.Selectors) == 0 {
		return []string{rule.Prelude}, true
	}
	return rule.Selectors, true
}

// selectorUsed reports whether sel matches any node. Unsupported or failing
// selectors count as used.
func (m *ruleMatcher) selectorUsed(sel string) (used bool) {
	if m.compiled == nil {
		m.compiled = make(map[string]bool)
	}
	if v, ok := m.compiled[sel]; ok {
		return v
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Debug("Selector evaluation panicked; keeping rule.", zap.String("selector", sel), zap.Any("panic", r))
			m.stats.Unclassified++
			used = true
		}
		m.compiled[sel] = used
	}()

	compiled, err := cascadia.Compile(sel)
	if err != nil {
		m.log.Debug("Unsupported selector; keeping rule.", zap.String("selector", sel), zap.Error(err))
		m.stats.Unclassified++
		return true
	}
	return compiled.MatchFirst(m.root) != nil
}
