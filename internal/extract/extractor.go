package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// reorderEvery is the per-field attempt interval between score-based
// reorderings of the strategy list.
const reorderEvery = 50

// RawJob holds the raw per-field strings pulled from one job card,
// before validation and normalization.
type RawJob map[string]string

// PageHint is the pagination signal detected on a listing page.
type PageHint struct {
	Mode string // "numeric", "next", "infinite" or "none"
	Next string // next-page href when Mode is "next"
}

// Extractor runs ordered fallback strategies per field and keeps
// per-strategy reliability scores across runs.
type Extractor struct {
	mu        sync.Mutex
	fields    map[string][]*Strategy
	acceptors map[string]Acceptor
	attempts  map[string]int

	scoresPath string
	logger     *obs.Logger
	metrics    *obs.Metrics
}

// NewExtractor builds an extractor with the built-in strategy groups and
// restores persisted scores from scoresPath when present. A load failure
// is logged and ignored; the built-in ordering applies.
func NewExtractor(scoresPath string, logger *obs.Logger, metrics *obs.Metrics) *Extractor {
	x := &Extractor{
		fields:     defaultStrategies(),
		acceptors:  defaultAcceptors(),
		attempts:   make(map[string]int),
		scoresPath: scoresPath,
		logger:     logger,
		metrics:    metrics,
	}
	if err := x.loadScores(); err != nil {
		logger.Warn("selector scores not restored",
			"component", "extract", "path", scoresPath, "error", err)
	}
	return x
}

// Extract resolves one field against the document, trying strategies in
// score order. Returns the post-processed value and whether any strategy
// produced an acceptable one.
func (x *Extractor) Extract(doc *Document, field string) (string, bool) {
	x.mu.Lock()
	group := x.fields[field]
	acceptor := x.acceptors[field]
	x.mu.Unlock()

	if len(group) == 0 {
		return "", false
	}

	winner := -1
	var value string
	for i, s := range group {
		raw, ok := s.Eval(doc)
		if ok && s.Post != nil {
			raw = s.Post(raw)
		}
		if ok && acceptor.Accept(raw) {
			winner = i
			value = strings.TrimSpace(raw)
			break
		}
	}

	x.mu.Lock()
	for i, s := range group {
		switch {
		case i == winner:
			s.successes++
		case winner == -1 || i < winner:
			s.failures++
		}
	}
	x.attempts[field]++
	if x.attempts[field]%reorderEvery == 0 {
		x.reorderLocked(field)
	}
	x.mu.Unlock()

	if winner > 0 {
		x.metrics.Inc("fallback_used", map[string]string{"field": field})
		x.logger.Debug("fallback strategy used",
			"component", "extract", "field", field,
			"strategy", group[winner].Name, "position", winner)
	}
	if winner == -1 {
		x.metrics.Inc("fallback_exhausted", map[string]string{"field": field})
		return "", false
	}
	return value, true
}

// Cards splits a listing page into per-job documents using the first
// card selector with any matches.
func (x *Extractor) Cards(doc *Document) []*Document {
	for _, sel := range cardSelectors {
		matches := doc.Sel.Find(sel)
		if matches.Length() == 0 {
			continue
		}
		out := make([]*Document, 0, matches.Length())
		matches.Each(func(_ int, s *goquery.Selection) {
			out = append(out, fromSelection(s))
		})
		return out
	}
	return nil
}

// ExtractCard pulls every job field from one card document.
func (x *Extractor) ExtractCard(card *Document) RawJob {
	raw := make(RawJob)
	for _, field := range []string{
		FieldTitle, FieldLink, FieldCompany, FieldLocation, FieldSalary,
		FieldDescription, FieldTechs, FieldBenefits, FieldWorkMode,
		FieldLevel, FieldPostedAt,
	} {
		if v, ok := x.Extract(card, field); ok {
			raw[field] = v
		}
	}
	return raw
}

// DetectPagination probes the three pagination locator groups in order
// of specificity: an explicit next link, a numeric pager, then an
// infinite-scroll marker.
func (x *Extractor) DetectPagination(doc *Document) PageHint {
	if next, ok := x.Extract(doc, FieldPageNext); ok {
		return PageHint{Mode: "next", Next: next}
	}
	if _, ok := x.Extract(doc, FieldPageNumeric); ok {
		return PageHint{Mode: "numeric"}
	}
	if _, ok := x.Extract(doc, FieldPageInfinite); ok {
		return PageHint{Mode: "infinite"}
	}
	return PageHint{Mode: "none"}
}

// Scores returns the current score of every strategy for a field, in
// the current trial order. Used by tests and the stats command.
func (x *Extractor) Scores(field string) []float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]float64, len(x.fields[field]))
	for i, s := range x.fields[field] {
		out[i] = s.Score()
	}
	return out
}

// StrategyOrder returns the current trial order of strategy names.
func (x *Extractor) StrategyOrder(field string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, len(x.fields[field]))
	for i, s := range x.fields[field] {
		out[i] = s.Name
	}
	return out
}

// reorderLocked sorts a field's strategies by score, best first. Stable
// so equal scores keep their built-in order.
func (x *Extractor) reorderLocked(field string) {
	group := x.fields[field]
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Score() > group[j].Score()
	})
}

type persistedScore struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

type persistedScores struct {
	Schema int                                  `json:"schema"`
	Fields map[string]map[string]persistedScore `json:"fields"`
}

// SaveScores writes the accumulated strategy scores atomically so the
// learned ordering survives restarts.
func (x *Extractor) SaveScores() error {
	x.mu.Lock()
	out := persistedScores{Schema: 1, Fields: make(map[string]map[string]persistedScore, len(x.fields))}
	for field, group := range x.fields {
		m := make(map[string]persistedScore, len(group))
		for _, s := range group {
			if s.successes == 0 && s.failures == 0 {
				continue
			}
			m[s.Name] = persistedScore{Successes: s.successes, Failures: s.failures}
		}
		if len(m) > 0 {
			out.Fields[field] = m
		}
	}
	x.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(x.scoresPath), 0o755); err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create scores dir: %w", err))
	}
	tmp := x.scoresPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create scores file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		f.Close()
		return fmt.Errorf("encode scores: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, x.scoresPath)
}

// loadScores restores persisted counts onto matching strategies and
// applies the learned ordering. Unknown strategy names are dropped.
func (x *Extractor) loadScores() error {
	data, err := os.ReadFile(x.scoresPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var in persistedScores
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode scores: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for field, saved := range in.Fields {
		group, ok := x.fields[field]
		if !ok {
			continue
		}
		for _, s := range group {
			if ps, ok := saved[s.Name]; ok {
				s.successes = ps.Successes
				s.failures = ps.Failures
			}
		}
		x.reorderLocked(field)
	}
	return nil
}
