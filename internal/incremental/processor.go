// Package incremental classifies candidate jobs against the durable
// seen-key checkpoint and decides when a crawl can stop early.
package incremental

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

const checkpointSchema = 1

// minKnownStreak is how many consecutive mostly-known pages are required
// before the early-stop signal fires.
const minKnownStreak = 2

// Session is one crawl run recorded in the checkpoint history.
type Session struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	New       int       `json:"new"`
	Known     int       `json:"known"`
}

type checkpoint struct {
	Schema           int       `json:"schema"`
	SeenURLs         []string  `json:"seen_urls"`
	SeenFingerprints []string  `json:"seen_fingerprints"`
	Sessions         []Session `json:"sessions"`
}

// PageResult is the outcome of classifying one page of candidates.
type PageResult struct {
	New     []*types.Job
	Changed []*types.Job
	Known   int

	NewRatio float64
	Stop     bool
}

// Processor maintains the seen sets across runs. Safe for concurrent use;
// the checkpoint file has a single writer.
type Processor struct {
	mu       sync.Mutex
	path     string
	seenURL  map[string]bool
	seenFP   map[string]bool
	priorFP  map[string]string // url -> last fingerprint, this process only
	sessions []Session

	floor   float64
	forced  bool
	streaks map[string]int // per-seed consecutive mostly-known pages
	session Session

	// flushMu serializes checkpoint writes so concurrent seeds cannot
	// truncate each other's temp file mid-rename.
	flushMu sync.Mutex

	logger  *obs.Logger
	metrics *obs.Metrics
}

// New loads the checkpoint at path, or starts empty when absent. A corrupt
// checkpoint is an error; the caller decides whether to discard it.
func New(path string, floor float64, forced bool, logger *obs.Logger, metrics *obs.Metrics) (*Processor, error) {
	p := &Processor{
		path:    path,
		seenURL: make(map[string]bool),
		seenFP:  make(map[string]bool),
		priorFP: make(map[string]string),
		floor:   floor,
		forced:  forced,
		streaks: make(map[string]int),
		session: Session{StartedAt: time.Now().UTC()},
		logger:  logger,
		metrics: metrics,
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	logger.Info("checkpoint loaded",
		"component", "incremental", "path", path,
		"seen_urls", len(p.seenURL), "seen_fingerprints", len(p.seenFP),
		"sessions", len(p.sessions))
	return p, nil
}

// Page classifies one page of candidates from a seed, updates the seen
// sets, and persists the checkpoint. The known-page streak is tracked per
// seed so a mostly-known board never stops a fresh one mid-crawl. Stop is
// never set in forced mode.
func (p *Processor) Page(seed string, jobs []*types.Job) (PageResult, error) {
	p.mu.Lock()

	var res PageResult
	for _, j := range jobs {
		urlSeen := p.seenURL[j.URL]
		fpSeen := p.seenFP[j.SourceFingerprint]
		switch {
		case !urlSeen && !fpSeen:
			res.New = append(res.New, j)
		case urlSeen && !fpSeen:
			c := j.Clone()
			c.PriorKey = p.priorFP[j.URL]
			res.Changed = append(res.Changed, c)
		default:
			res.Known++
		}
		p.seenURL[j.URL] = true
		p.seenFP[j.SourceFingerprint] = true
		p.priorFP[j.URL] = j.SourceFingerprint
	}

	fresh := len(res.New) + len(res.Changed)
	if len(jobs) > 0 {
		res.NewRatio = float64(fresh) / float64(len(jobs))
	}
	if len(jobs) > 0 && res.NewRatio < p.floor {
		p.streaks[seed]++
	} else {
		p.streaks[seed] = 0
	}
	if !p.forced && p.streaks[seed] >= minKnownStreak {
		res.Stop = true
	}

	p.session.New += fresh
	p.session.Known += res.Known
	streak := p.streaks[seed]
	p.mu.Unlock()

	p.metrics.Add("incremental.new", float64(fresh), nil)
	p.metrics.Add("incremental.known", float64(res.Known), nil)
	if res.Stop {
		p.metrics.Inc("incremental.early_stop", nil)
		p.logger.Info("early stop signalled",
			"component", "incremental", "seed", seed,
			"new_ratio", res.NewRatio, "known_streak", streak)
	}

	return res, p.Flush()
}

// Seen reports whether a canonical URL was already collected.
func (p *Processor) Seen(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seenURL[url]
}

// Close records the run's session in the history and flushes.
func (p *Processor) Close() error {
	p.mu.Lock()
	p.session.EndedAt = time.Now().UTC()
	p.sessions = append(p.sessions, p.session)
	p.mu.Unlock()
	return p.Flush()
}

// Flush writes the checkpoint atomically. Flushes are serialized; a later
// snapshot only ever replaces an earlier, smaller one.
func (p *Processor) Flush() error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	cp := checkpoint{
		Schema:           checkpointSchema,
		SeenURLs:         sortedKeys(p.seenURL),
		SeenFingerprints: sortedKeys(p.seenFP),
		Sessions:         append([]Session(nil), p.sessions...),
	}
	p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create checkpoint dir: %w", err))
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp := p.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create checkpoint: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (p *Processor) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("read checkpoint: %w", err))
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return types.NewClassified(types.KindCorruptBlob,
			fmt.Errorf("decode checkpoint %s: %w", p.path, err))
	}
	for _, u := range cp.SeenURLs {
		p.seenURL[u] = true
	}
	for _, fp := range cp.SeenFingerprints {
		p.seenFP[fp] = true
	}
	p.sessions = cp.Sessions
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
