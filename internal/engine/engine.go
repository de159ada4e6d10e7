// Package engine composes the full ingestion pipeline: fetch, extract,
// validate, classify, dedupe, cache, and emit.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/breaker"
	"github.com/jobsift/jobsift/internal/browser"
	"github.com/jobsift/jobsift/internal/cache"
	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/dedup"
	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/incremental"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/output"
	"github.com/jobsift/jobsift/internal/ratelimit"
	"github.com/jobsift/jobsift/internal/retry"
	"github.com/jobsift/jobsift/internal/types"
	"github.com/jobsift/jobsift/internal/validate"
)

// Engine is the orchestrator for crawl runs and the entry point for the
// cache-backed query operations.
type Engine struct {
	cfg     *config.Settings
	logger  *obs.Logger
	metrics *obs.Metrics

	store     *cache.Store
	index     *cache.Index
	extractor *extract.Extractor
	validator *validate.Validator
	processor *incremental.Processor
	dedup     *dedup.Deduplicator
	limiters  *ratelimit.Registry
	breakers  *breaker.Registry
	retrier   *retry.Engine
	writer    *output.Writer

	// fetcher is injected by tests; otherwise built per run from the
	// configured mode.
	fetcher browser.Fetcher

	mu         sync.Mutex
	collected  []*types.Job
	report     *types.RunReport
	errSamples map[types.Kind]string
	runSeq     int
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithFetcher injects a fetcher instead of launching one per run.
func WithFetcher(f browser.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// New wires the pipeline around an existing cache directory. It does not
// launch a browser; that happens on Crawl.
func New(cfg *config.Settings, logger *obs.Logger, metrics *obs.Metrics, opts ...Option) (*Engine, error) {
	store, err := cache.NewStore(cfg.Cache.Dir, cfg.Scraping.CompressionLevel, cfg.Cache.MaxAgeHours, cfg.Cache.MaxSizeMB, logger.Logger)
	if err != nil {
		return nil, err
	}
	index, err := cache.NewIndex(store, logger.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.RebuildOnStartup {
		if err := index.Rebuild(); err != nil {
			return nil, err
		}
	}

	processor, err := incremental.New(
		filepath.Join(cfg.Cache.CheckpointDir, "incremental_checkpoint.json"),
		cfg.Scraping.NewRatioFloor,
		cfg.Scraping.Forced,
		logger, metrics)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		index:   index,
		extractor: extract.NewExtractor(
			filepath.Join(cfg.Cache.Dir, "selector_scores.json"), logger, metrics),
		validator:  validate.New(logger, metrics),
		processor:  processor,
		dedup:      dedup.New(cfg.Scraping.DedupSimilarity, logger, metrics),
		limiters:   ratelimit.NewRegistry(cfg.Scraping.RatePerSecond, cfg.Scraping.Burst),
		breakers:   breaker.NewRegistry(breaker.Options{}, logger.Logger, metrics),
		retrier:    retry.New(logger.Logger, metrics),
		writer:     output.NewWriter(cfg.Output, logger, metrics),
		errSamples: make(map[types.Kind]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Index exposes the cache index for the query commands.
func (e *Engine) Index() *cache.Index { return e.index }

// Crawl runs the full pipeline over the configured seeds. Per-page
// failures never abort the run; the fetcher is always closed and the
// checkpoint always flushed.
func (e *Engine) Crawl(ctx context.Context) (*types.RunReport, error) {
	seeds := e.cfg.Scraping.SeedURLs
	if len(seeds) == 0 {
		return nil, types.NewClassified(types.KindConfigInvalid,
			fmt.Errorf("no seed urls configured"))
	}

	traceID := obs.NewTraceID()
	ctx = obs.WithTraceID(ctx, traceID)
	started := time.Now()

	e.mu.Lock()
	if e.cfg.Scraping.RotateSeeds {
		seeds = rotatedSeeds(seeds, e.runSeq)
	}
	e.runSeq++
	e.collected = nil
	e.report = &types.RunReport{
		TraceID:     traceID,
		StartedAt:   started.UTC(),
		Seeds:       seeds,
		ErrorCounts: make(map[types.Kind]int),
	}
	e.mu.Unlock()

	fetcher := e.fetcher
	if fetcher == nil {
		var err error
		fetcher, err = browser.NewFetcher(e.cfg, e.logger, e.metrics)
		if err != nil {
			return nil, err
		}
		defer fetcher.Close()
	}

	e.logger.InfoContext(ctx, "crawl started",
		"component", "engine", "seeds", len(seeds),
		"max_pages", e.cfg.Scraping.MaxPages, "mode", e.cfg.Browser.Mode)

	sem := make(chan struct{}, e.cfg.Scraping.MaxConcurrent)
	var wg sync.WaitGroup
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			e.crawlSeed(ctx, fetcher, seed)
		}(seed)
	}
	wg.Wait()

	return e.finish(ctx, started)
}

// crawlSeed walks one seed's pages in order, honoring the incremental
// stop signal and the host's circuit.
func (e *Engine) crawlSeed(ctx context.Context, fetcher browser.Fetcher, seed string) {
	host := hostOf(seed)
	limiter := e.limiters.For(host)
	circuit := e.breakers.For(host)
	strategy := retry.StrategyByName(e.cfg.Performance.RetryStrategy)

	pageURL := seed
	for page := 1; page <= e.cfg.Scraping.MaxPages; page++ {
		if ctx.Err() != nil {
			return
		}

		e.countPageTried()
		res, err := e.fetchPage(ctx, fetcher, limiter, circuit, strategy, pageURL)
		if err != nil {
			kind := types.KindOf(err)
			e.recordError(err, pageURL)
			switch kind {
			case types.KindCancelled:
				return
			case types.KindCircuitOpen:
				e.logger.WarnContext(ctx, "host circuit open, abandoning seed",
					"component", "engine", "host", host, "page", page)
				return
			}
			// Skip to the next constructed page number.
			pageURL = numberedPageURL(seed, page+1)
			continue
		}

		stop, err := e.processPage(ctx, seed, res, page)
		if err != nil {
			e.recordError(err, pageURL)
		}
		if stop {
			return
		}

		hint := e.extractor.DetectPagination(res.Doc)
		next, ok := e.nextPageURL(seed, res.FinalURL, page, hint)
		if !ok {
			e.logger.DebugContext(ctx, "no further pages",
				"component", "engine", "seed", seed, "page", page)
			return
		}
		pageURL = next
	}
}

// fetchPage admits one page fetch through the rate limiter, circuit
// breaker, and retry engine.
func (e *Engine) fetchPage(ctx context.Context, fetcher browser.Fetcher,
	limiter *ratelimit.Limiter, circuit *breaker.Breaker,
	strategy retry.Strategy, pageURL string) (*browser.Result, error) {

	fetchTimeout := 2 * e.cfg.Performance.NavigationTimeout

	var res *browser.Result
	err := e.retrier.Do(ctx, "fetch_page", strategy, limiter, func(ctx context.Context) error {
		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := circuit.Allow(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		r, err := fetcher.Fetch(attemptCtx, pageURL)
		cancel()
		if err != nil {
			if types.KindOf(err) != types.KindCancelled {
				circuit.Record(false)
			}
			return err
		}
		circuit.Record(true)
		res = r
		return nil
	})
	if err != nil {
		e.metrics.Inc("fetch.failure", nil)
		return nil, err
	}
	e.metrics.Inc("fetch.success", nil)
	return res, nil
}

// processPage turns one fetched page into cached jobs. Returns true when
// the incremental policy says the seed is exhausted.
func (e *Engine) processPage(ctx context.Context, seed string, res *browser.Result, page int) (bool, error) {
	done := e.logger.Timed(ctx, "engine", "page processed",
		"seed", seed, "page", page)
	defer done()

	cards := e.extractor.Cards(res.Doc)
	raws := make([]extract.RawJob, 0, len(cards))
	for _, card := range cards {
		raws = append(raws, e.extractor.ExtractCard(card))
	}

	jobs, rejected := e.validator.Batch(raws, res.FinalURL, time.Now())

	keep := jobs
	var stop bool
	var known, changed int
	if e.cfg.Scraping.Incremental {
		pres, err := e.processor.Page(seed, jobs)
		if err != nil {
			return false, err
		}
		keep = append(append([]*types.Job(nil), pres.New...), pres.Changed...)
		stop, known, changed = pres.Stop, pres.Known, len(pres.Changed)
	}

	var dupes int
	if e.cfg.Scraping.Dedup {
		var rep types.DedupReport
		keep, rep = e.dedup.Dedupe(keep)
		dupes = rep.Duplicates
	}

	stored := false
	if len(keep) > 0 {
		blob := &cache.Blob{
			URL:        res.FinalURL,
			Page:       page,
			CapturedAt: time.Now().UTC(),
			Jobs:       keep,
		}
		if _, err := e.index.Put(types.CacheKey(seed, page), blob); err != nil {
			return stop, err
		}
		stored = true
	}

	e.mu.Lock()
	r := e.report
	r.JobsExtracted += len(raws)
	r.JobsValidated += len(jobs)
	r.JobsRejected += rejected
	r.JobsNew += len(keep) - changed
	r.JobsKnown += known
	r.JobsChanged += changed
	r.Duplicates += dupes
	if stored {
		r.PagesStored++
	}
	e.collected = append(e.collected, keep...)
	e.mu.Unlock()

	return stop, nil
}

// finish runs the cross-batch dedupe, emits outputs, and assembles the
// report. Cleanup here runs on every path out of Crawl's seed loop.
func (e *Engine) finish(ctx context.Context, started time.Time) (*types.RunReport, error) {
	e.mu.Lock()
	collected := e.collected
	report := e.report
	e.mu.Unlock()

	final, crossRep := dedup.New(e.cfg.Scraping.DedupSimilarity, e.logger, e.metrics).Dedupe(collected)
	report.Duplicates += crossRep.Duplicates

	slug := output.Slug(started)
	if paths, err := e.writer.WriteAll(final, e.cfg.Output.Formats, slug); err != nil {
		e.recordError(err, "output")
	} else {
		report.OutputPaths = paths
	}

	if e.cfg.Output.MongoURI != "" {
		e.exportMongo(ctx, final)
	}

	if err := e.processor.Close(); err != nil {
		e.recordError(err, "checkpoint")
	}
	if err := e.extractor.SaveScores(); err != nil {
		e.logger.Warn("selector scores not saved", "component", "engine", "error", err)
	}
	if e.cfg.Cache.AutoCleanup {
		if _, err := e.store.Prune(time.Duration(e.cfg.Cache.MaxAgeHours) * time.Hour); err != nil {
			e.recordError(err, "prune")
		}
	}

	e.metrics.Gauge("circuit.open_count", float64(e.breakers.OpenCount()), nil)
	snap := e.metrics.Snapshot()

	report.FinishedAt = time.Now().UTC()
	report.TrippedHosts = e.breakers.TrippedResources()
	report.HealthScore = snap.Health.Score
	report.TopErrors = e.topErrors(report.ErrorCounts, 3)

	metricsDir := filepath.Join(filepath.Dir(filepath.Clean(e.cfg.Cache.Dir)), "metrics")
	if path, err := e.metrics.Flush(metricsDir, slug); err != nil {
		e.logger.Warn("metrics snapshot not written", "component", "engine", "error", err)
	} else {
		report.OutputPaths = append(report.OutputPaths, path)
	}

	e.logger.InfoContext(ctx, "crawl finished",
		"component", "engine",
		"pages_tried", report.PagesTried, "pages_stored", report.PagesStored,
		"jobs_new", report.JobsNew, "jobs_known", report.JobsKnown,
		"duplicates", report.Duplicates,
		"health", report.HealthScore,
		"duration_ms", time.Since(started).Milliseconds())

	if err := ctx.Err(); err != nil {
		return report, types.Classify(err)
	}
	return report, nil
}

func (e *Engine) exportMongo(ctx context.Context, jobs []*types.Job) {
	sink, err := output.NewMongoSink(e.cfg.Output, e.logger)
	if err != nil {
		e.recordError(err, "mongodb")
		return
	}
	defer sink.Close()
	if err := sink.Store(ctx, jobs); err != nil {
		e.recordError(err, "mongodb")
	}
}

func (e *Engine) countPageTried() {
	e.mu.Lock()
	e.report.PagesTried++
	e.mu.Unlock()
}

func (e *Engine) recordError(err error, where string) {
	kind := types.KindOf(err)
	e.mu.Lock()
	e.report.ErrorCounts[kind]++
	if _, ok := e.errSamples[kind]; !ok {
		e.errSamples[kind] = fmt.Sprintf("%s: %v", where, err)
	}
	e.mu.Unlock()
	e.logger.Error("pipeline error", "component", "engine", "kind", kind, "where", where, "error", err)
}

func (e *Engine) topErrors(counts map[types.Kind]int, k int) []types.ErrorSample {
	out := make([]types.ErrorSample, 0, len(counts))
	e.mu.Lock()
	for kind, n := range counts {
		out = append(out, types.ErrorSample{Kind: kind, Count: n, Sample: e.errSamples[kind]})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// nextPageURL picks the next page address from the detected pagination
// hint. Infinite scroll cannot be advanced by URL, so it ends the seed.
func (e *Engine) nextPageURL(seed, current string, page int, hint extract.PageHint) (string, bool) {
	switch hint.Mode {
	case "next":
		return resolveHref(current, hint.Next), true
	case "numeric":
		return numberedPageURL(seed, page+1), true
	default:
		return "", false
	}
}

// rotatedSeeds shifts the seed order by n so successive runs start from a
// different board and share attention under a page budget.
func rotatedSeeds(seeds []string, n int) []string {
	if len(seeds) < 2 {
		return seeds
	}
	k := n % len(seeds)
	out := make([]string, 0, len(seeds))
	out = append(out, seeds[k:]...)
	out = append(out, seeds[:k]...)
	return out
}

// numberedPageURL appends or replaces the page query parameter.
func numberedPageURL(seed string, page int) string {
	u, err := url.Parse(seed)
	if err != nil {
		return seed
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func resolveHref(base, href string) string {
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
