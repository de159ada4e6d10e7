// Package dedup removes duplicate job records using four detection
// levels: canonical URL, content fingerprint, the (title, company) pair,
// and fuzzy title similarity against a bounded window of recent titles.
package dedup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// recentTitleWindow bounds the fuzzy-match memory.
const recentTitleWindow = 500

// Duplicate reasons, in evaluation order.
const (
	ReasonURL          = "url"
	ReasonFingerprint  = "fingerprint"
	ReasonTitleCompany = "title_company"
	ReasonFuzzyTitle   = "fuzzy_title"
)

// Deduplicator holds the cross-batch duplicate state for one run.
// Safe for concurrent use.
type Deduplicator struct {
	mu           sync.Mutex
	urls         map[string]bool
	fingerprints map[string]bool
	titleCompany map[string]bool
	recent       *lru.Cache[string, string] // folded title -> folded company

	threshold float64
	logger    *obs.Logger
	metrics   *obs.Metrics
}

// New builds a deduplicator with the given fuzzy similarity threshold.
func New(threshold float64, logger *obs.Logger, metrics *obs.Metrics) *Deduplicator {
	recent, _ := lru.New[string, string](recentTitleWindow)
	return &Deduplicator{
		urls:         make(map[string]bool),
		fingerprints: make(map[string]bool),
		titleCompany: make(map[string]bool),
		recent:       recent,
		threshold:    threshold,
		logger:       logger,
		metrics:      metrics,
	}
}

// Dedupe filters a batch against the accumulated state, admitting unique
// jobs into it. Applying Dedupe to its own output removes nothing further
// only on a fresh deduplicator; on a shared one the state is cumulative.
func (d *Deduplicator) Dedupe(jobs []*types.Job) ([]*types.Job, types.DedupReport) {
	report := types.DedupReport{Total: len(jobs), ByReason: make(map[string]int)}
	unique := make([]*types.Job, 0, len(jobs))

	d.mu.Lock()
	for _, j := range jobs {
		if reason, dup := d.checkLocked(j); dup {
			report.Duplicates++
			report.ByReason[reason]++
			d.metrics.Inc("dedup.duplicate", map[string]string{"reason": reason})
			continue
		}
		d.admitLocked(j)
		unique = append(unique, j)
	}
	d.mu.Unlock()

	report.Unique = len(unique)
	if report.Duplicates > 0 {
		d.logger.Debug("duplicates removed",
			"component", "dedup",
			"total", report.Total, "duplicates", report.Duplicates,
			"by_reason", report.ByReason)
	}
	return unique, report
}

// checkLocked evaluates the four levels in order; the first match wins.
func (d *Deduplicator) checkLocked(j *types.Job) (string, bool) {
	if d.urls[j.URL] {
		return ReasonURL, true
	}
	if d.fingerprints[j.SourceFingerprint] {
		return ReasonFingerprint, true
	}
	if d.titleCompany[j.TitleCompanyKey()] {
		return ReasonTitleCompany, true
	}

	title := types.Fold(j.Title)
	company := types.Fold(j.Company)
	for _, seenTitle := range d.recent.Keys() {
		if Similarity(title, seenTitle) < d.threshold {
			continue
		}
		seenCompany, _ := d.recent.Get(seenTitle)
		if tokenOverlap(company, seenCompany) >= 0.5 {
			return ReasonFuzzyTitle, true
		}
	}
	return "", false
}

func (d *Deduplicator) admitLocked(j *types.Job) {
	d.urls[j.URL] = true
	d.fingerprints[j.SourceFingerprint] = true
	d.titleCompany[j.TitleCompanyKey()] = true
	d.recent.Add(types.Fold(j.Title), types.Fold(j.Company))
}

// Similarity is the normalized Levenshtein similarity in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// tokenOverlap is the fraction of tokens of the smaller set present in
// the other.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if len(tb) < len(ta) {
		ta, tb = tb, ta
	}
	set := make(map[string]bool, len(tb))
	for _, t := range tb {
		set[t] = true
	}
	matched := 0
	for _, t := range ta {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(ta))
}

// CleanFile deduplicates a JSON array of jobs in place. The original
// content is preserved as a .bak sibling before the overwrite.
func CleanFile(path string, threshold float64, logger *obs.Logger, metrics *obs.Metrics) (types.DedupReport, error) {
	var report types.DedupReport

	data, err := os.ReadFile(path)
	if err != nil {
		return report, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("read %s: %w", path, err))
	}
	var jobs []*types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return report, types.NewClassified(types.KindCorruptBlob,
			fmt.Errorf("decode %s: %w", path, err))
	}

	backup := path + ".bak"
	if err := copyFile(path, backup); err != nil {
		return report, fmt.Errorf("backup %s: %w", path, err)
	}

	unique, report := New(threshold, logger, metrics).Dedupe(jobs)
	report.BackupPath = backup

	out, err := json.MarshalIndent(unique, "", "  ")
	if err != nil {
		return report, fmt.Errorf("encode cleaned jobs: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return report, fmt.Errorf("write cleaned file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return report, err
	}

	logger.Info("file cleaned",
		"component", "dedup", "path", path,
		"total", report.Total, "unique", report.Unique, "backup", backup)
	return report, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
