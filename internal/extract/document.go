// Package extract implements per-field extraction with ordered fallback
// strategies and adaptive reliability scoring.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Document wraps one parsed HTML tree with both query engines over it:
// goquery for CSS strategies and htmlquery for XPath strategies.
type Document struct {
	Sel  *goquery.Selection
	Node *html.Node
}

// ParseDocument parses raw HTML into a Document.
func ParseDocument(rawHTML string) (*Document, error) {
	node, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}
	doc := goquery.NewDocumentFromNode(node)
	return &Document{Sel: doc.Selection, Node: node}, nil
}

// fromSelection wraps a goquery sub-selection as a Document. The first
// node of the selection anchors XPath strategies.
func fromSelection(sel *goquery.Selection) *Document {
	d := &Document{Sel: sel}
	if len(sel.Nodes) > 0 {
		d.Node = sel.Nodes[0]
	}
	return d
}

// CSSText returns the trimmed text of the first CSS match.
func (d *Document) CSSText(selector string) (string, bool) {
	m := d.Sel.Find(selector).First()
	if m.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(m.Text()), true
}

// CSSAttr returns an attribute of the first CSS match.
func (d *Document) CSSAttr(selector, attr string) (string, bool) {
	m := d.Sel.Find(selector).First()
	if m.Length() == 0 {
		return "", false
	}
	v, ok := m.Attr(attr)
	return strings.TrimSpace(v), ok
}

// CSSAll returns the trimmed texts of every CSS match.
func (d *Document) CSSAll(selector string) []string {
	var out []string
	d.Sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// XPathText returns the trimmed text of the first XPath match. Absolute
// expressions are anchored to the document node so card sub-documents do
// not leak matches from the rest of the page.
func (d *Document) XPathText(expr string) (string, bool) {
	if d.Node == nil {
		return "", false
	}
	if strings.HasPrefix(expr, "//") {
		expr = "." + expr
	}
	n, err := htmlquery.Query(d.Node, expr)
	if err != nil || n == nil {
		return "", false
	}
	return strings.TrimSpace(htmlquery.InnerText(n)), true
}

// TextContains finds the first element of the given tag whose own text
// contains the marker (case-insensitive).
func (d *Document) TextContains(tag, marker string) (string, bool) {
	lower := strings.ToLower(marker)
	var found string
	d.Sel.Find(tag).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.TrimSpace(s.Text())
		if strings.Contains(strings.ToLower(t), lower) {
			found = t
			return false
		}
		return true
	})
	return found, found != ""
}
