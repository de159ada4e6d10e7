package extract

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jobsift/jobsift/internal/obs"
)

const listingHTML = `
<html><body>
<ul class="job-list">
  <li class="job-card">
    <h2><a href="/vagas/dev-backend-123">Desenvolvedor Backend</a></h2>
    <span data-testid="company-name">Acme Tech</span>
    <span data-testid="job-location">Remoto</span>
    <span class="salary">R$ 5.000 - R$ 7.000</span>
  </li>
  <li class="job-card">
    <h2><a href="/vagas/dev-frontend-456">Desenvolvedor Frontend</a></h2>
    <span data-testid="company-name">Beta Labs</span>
    <span data-testid="job-location">São Paulo</span>
  </li>
</ul>
<a rel="next" href="/vagas?page=2">Próxima</a>
</body></html>`

func newTestExtractor(t *testing.T) (*Extractor, *obs.Metrics) {
	t.Helper()
	metrics := obs.NewMetrics()
	path := filepath.Join(t.TempDir(), "selector_scores.json")
	return NewExtractor(path, obs.Discard(), metrics), metrics
}

func mustParse(t *testing.T, raw string) *Document {
	t.Helper()
	doc, err := ParseDocument(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestExtractPrimaryStrategy(t *testing.T) {
	x, _ := newTestExtractor(t)
	doc := mustParse(t, listingHTML)

	got, ok := x.Extract(doc, FieldTitle)
	if !ok {
		t.Fatal("title not extracted")
	}
	if got != "Desenvolvedor Backend" {
		t.Fatalf("title = %q", got)
	}
}

func TestSalaryFallbackScoresAndMetric(t *testing.T) {
	x, metrics := newTestExtractor(t)
	doc := mustParse(t, listingHTML)

	order := x.StrategyOrder(FieldSalary)
	if order[0] != `[data-testid="salary"]` {
		t.Fatalf("unexpected initial order: %v", order)
	}

	got, ok := x.Extract(doc, FieldSalary)
	if !ok {
		t.Fatal("salary not extracted")
	}
	if got != "R$ 5.000 - R$ 7.000" {
		t.Fatalf("salary = %q", got)
	}

	if n := metrics.Counter("fallback_used", map[string]string{"field": FieldSalary}); n != 1 {
		t.Fatalf("fallback_used = %v, want 1", n)
	}

	scores := x.Scores(FieldSalary)
	// Two skipped strategies get a failure, the .salary winner a success.
	if scores[0] >= 0.5 {
		t.Fatalf("skipped strategy score = %v, want < 0.5", scores[0])
	}
	if scores[2] <= 0.5 {
		t.Fatalf("winner score = %v, want > 0.5", scores[2])
	}
}

func TestFallbackExhausted(t *testing.T) {
	x, metrics := newTestExtractor(t)
	doc := mustParse(t, `<html><body><p>nothing here</p></body></html>`)

	if _, ok := x.Extract(doc, FieldSalary); ok {
		t.Fatal("extracted salary from empty page")
	}
	if n := metrics.Counter("fallback_exhausted", map[string]string{"field": FieldSalary}); n != 1 {
		t.Fatalf("fallback_exhausted = %v, want 1", n)
	}
}

func TestReorderAfterWindow(t *testing.T) {
	x, _ := newTestExtractor(t)
	doc := mustParse(t, listingHTML)

	for i := 0; i < reorderEvery; i++ {
		x.Extract(doc, FieldSalary)
	}

	order := x.StrategyOrder(FieldSalary)
	if order[0] != `.salary` {
		t.Fatalf("after %d attempts order[0] = %q, want .salary", reorderEvery, order[0])
	}
}

func TestScorePersistenceRoundTrip(t *testing.T) {
	metrics := obs.NewMetrics()
	path := filepath.Join(t.TempDir(), "selector_scores.json")

	x := NewExtractor(path, obs.Discard(), metrics)
	doc := mustParse(t, listingHTML)
	for i := 0; i < 10; i++ {
		x.Extract(doc, FieldSalary)
	}
	if err := x.SaveScores(); err != nil {
		t.Fatalf("save scores: %v", err)
	}

	// A fresh extractor restores the counts and applies the learned order.
	y := NewExtractor(path, obs.Discard(), obs.NewMetrics())
	order := y.StrategyOrder(FieldSalary)
	if order[0] != `.salary` {
		t.Fatalf("restored order[0] = %q, want .salary", order[0])
	}
}

func TestCardsSplitting(t *testing.T) {
	x, _ := newTestExtractor(t)
	doc := mustParse(t, listingHTML)

	cards := x.Cards(doc)
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}

	first := x.ExtractCard(cards[0])
	if first[FieldTitle] != "Desenvolvedor Backend" {
		t.Fatalf("card title = %q", first[FieldTitle])
	}
	if first[FieldCompany] != "Acme Tech" {
		t.Fatalf("card company = %q", first[FieldCompany])
	}
	if !strings.Contains(first[FieldLink], "/vagas/dev-backend-123") {
		t.Fatalf("card link = %q", first[FieldLink])
	}

	second := x.ExtractCard(cards[1])
	if _, ok := second[FieldSalary]; ok {
		t.Fatal("second card has no salary, but one was extracted")
	}
}

func TestDetectPagination(t *testing.T) {
	x, _ := newTestExtractor(t)

	hint := x.DetectPagination(mustParse(t, listingHTML))
	if hint.Mode != "next" {
		t.Fatalf("mode = %q, want next", hint.Mode)
	}
	if hint.Next != "/vagas?page=2" {
		t.Fatalf("next = %q", hint.Next)
	}

	hint = x.DetectPagination(mustParse(t, `<html><body><p>fim</p></body></html>`))
	if hint.Mode != "none" {
		t.Fatalf("mode = %q, want none", hint.Mode)
	}
}
