package extract

import (
	"regexp"
	"strings"
)

// Evaluator locates a raw value in a document. Strategies carry their own
// evaluator so the fallback machinery stays independent of the query
// engine underneath.
type Evaluator func(doc *Document) (string, bool)

// Strategy is one extraction attempt for a field: a locator, an optional
// post-processor, and its success history.
type Strategy struct {
	Name       string
	Eval       Evaluator
	Post       func(string) string
	Confidence float64 // prior used before any history accumulates

	successes int
	failures  int
}

// Score is the Laplace-smoothed success rate used for ordering:
// (successes+1) / (successes+failures+2). With no history the prior
// confidence breaks ties between untried strategies.
func (s *Strategy) Score() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return s.Confidence
	}
	return float64(s.successes+1) / float64(total+2)
}

// Acceptor validates a raw extracted value before it is emitted.
type Acceptor struct {
	MinLen  int
	MaxLen  int
	Pattern *regexp.Regexp
}

// Accept applies the lightweight shape checks.
func (a Acceptor) Accept(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if a.MinLen > 0 && len(v) < a.MinLen {
		return false
	}
	if a.MaxLen > 0 && len(v) > a.MaxLen {
		return false
	}
	if a.Pattern != nil && !a.Pattern.MatchString(v) {
		return false
	}
	return true
}

// CSS builds an evaluator over a CSS selector's text.
func CSS(selector string) Evaluator {
	return func(d *Document) (string, bool) { return d.CSSText(selector) }
}

// CSSAttr builds an evaluator over a CSS selector's attribute.
func CSSAttr(selector, attr string) Evaluator {
	return func(d *Document) (string, bool) { return d.CSSAttr(selector, attr) }
}

// XPath builds an evaluator over an XPath expression.
func XPath(expr string) Evaluator {
	return func(d *Document) (string, bool) { return d.XPathText(expr) }
}

// TextHas builds an evaluator matching elements whose text contains a marker.
func TextHas(tag, marker string) Evaluator {
	return func(d *Document) (string, bool) { return d.TextContains(tag, marker) }
}
