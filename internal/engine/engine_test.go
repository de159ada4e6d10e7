package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// listingHandler serves a fake job board: perPage cards per page, a
// rel=next link up to totalPages.
func listingHandler(totalPages, perPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		var b strings.Builder
		b.WriteString(`<html><body><ul class="job-list">`)
		for i := 0; i < perPage; i++ {
			id := (page-1)*perPage + i
			fmt.Fprintf(&b, `<li class="job-card">
<h2><a href="/vagas/%d">Desenvolvedor Especialidade %03d</a></h2>
<span data-testid="company-name">Empresa%03d</span>
<span data-testid="job-location">Remoto</span>
<span class="salary">R$ %d.000</span>
<div class="job-description">Vaga %03d com uma descrição longa o bastante para passar pela validação sem disparar nenhuma flag.</div>
</li>`, id, id, id, 5+i, id)
		}
		b.WriteString(`</ul>`)
		if page < totalPages {
			fmt.Fprintf(&b, `<a rel="next" href="/vagas?page=%d">Próxima</a>`, page+1)
		}
		b.WriteString(`</body></html>`)
		w.Write([]byte(b.String()))
	}
}

func testSettings(t *testing.T, seed string) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultSettings()
	cfg.Scraping.SeedURLs = []string{seed}
	cfg.Scraping.MaxPages = 3
	cfg.Scraping.RatePerSecond = 100
	cfg.Scraping.Burst = 10
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Cache.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Performance.RetryStrategy = "conservative"
	cfg.Performance.NavigationTimeout = 10 * time.Second
	cfg.Output.Dir = filepath.Join(dir, "resultados")
	cfg.Browser.Mode = "http"
	return cfg
}

func newEngine(t *testing.T, cfg *config.Settings) *Engine {
	t.Helper()
	e, err := New(cfg, obs.Discard(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestCrawlCollectsAndStoresPages(t *testing.T) {
	srv := httptest.NewServer(listingHandler(2, 3))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	e := newEngine(t, cfg)

	report, err := e.Crawl(context.Background())
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if report.PagesTried != 2 || report.PagesStored != 2 {
		t.Fatalf("pages tried=%d stored=%d", report.PagesTried, report.PagesStored)
	}
	if report.JobsNew != 6 || report.JobsKnown != 0 {
		t.Fatalf("new=%d known=%d", report.JobsNew, report.JobsKnown)
	}
	if e.EntryCount() != 2 {
		t.Fatalf("index entries = %d", e.EntryCount())
	}
	if len(report.OutputPaths) == 0 {
		t.Fatal("no outputs written")
	}

	var jsonPath string
	for _, p := range report.OutputPaths {
		if filepath.Ext(p) == ".json" && strings.Contains(p, "resultados") {
			jsonPath = p
		}
	}
	if jsonPath == "" {
		t.Fatalf("no json output in %v", report.OutputPaths)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	var jobs []*types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(jobs) != 6 {
		t.Fatalf("output jobs = %d", len(jobs))
	}
	if report.HealthScore < 90 {
		t.Fatalf("health = %v", report.HealthScore)
	}
}

func TestSecondRunStopsEarlyOnKnownPages(t *testing.T) {
	srv := httptest.NewServer(listingHandler(3, 3))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")

	first := newEngine(t, cfg)
	if _, err := first.Crawl(context.Background()); err != nil {
		t.Fatalf("first crawl: %v", err)
	}

	// A fresh engine over the same data dirs sees everything as known and
	// stops after two consecutive known pages.
	second := newEngine(t, cfg)
	report, err := second.Crawl(context.Background())
	if err != nil {
		t.Fatalf("second crawl: %v", err)
	}
	if report.JobsNew != 0 {
		t.Fatalf("second run new = %d", report.JobsNew)
	}
	if report.JobsKnown != 6 {
		t.Fatalf("second run known = %d", report.JobsKnown)
	}
	if report.PagesTried != 2 {
		t.Fatalf("second run tried %d pages, want 2", report.PagesTried)
	}
	if report.PagesStored != 0 {
		t.Fatalf("second run stored %d pages", report.PagesStored)
	}
}

func TestForcedModeIgnoresEarlyStop(t *testing.T) {
	srv := httptest.NewServer(listingHandler(3, 3))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	if _, err := newEngine(t, cfg).Crawl(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg.Scraping.Forced = true
	report, err := newEngine(t, cfg).Crawl(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.PagesTried != 3 {
		t.Fatalf("forced run tried %d pages, want all 3", report.PagesTried)
	}
}

func TestRotateSeedsShiftsStartAcrossRuns(t *testing.T) {
	srv := httptest.NewServer(listingHandler(1, 2))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	cfg.Scraping.SeedURLs = []string{srv.URL + "/vagas", srv.URL + "/outras"}
	cfg.Scraping.RotateSeeds = true
	cfg.Scraping.Forced = true
	e := newEngine(t, cfg)

	first, err := e.Crawl(context.Background())
	if err != nil {
		t.Fatalf("first crawl: %v", err)
	}
	second, err := e.Crawl(context.Background())
	if err != nil {
		t.Fatalf("second crawl: %v", err)
	}

	if first.Seeds[0] != cfg.Scraping.SeedURLs[0] {
		t.Fatalf("first run started at %s", first.Seeds[0])
	}
	if second.Seeds[0] != cfg.Scraping.SeedURLs[1] {
		t.Fatalf("second run did not rotate: %v", second.Seeds)
	}
	if len(second.Seeds) != 2 || second.Seeds[1] != cfg.Scraping.SeedURLs[0] {
		t.Fatalf("rotation dropped a seed: %v", second.Seeds)
	}
}

func TestRateLimitedThenRecovered(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		listingHandler(1, 2)(w, r)
	}))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	e := newEngine(t, cfg)

	report, err := e.Crawl(context.Background())
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if report.PagesStored != 1 {
		t.Fatalf("stored = %d", report.PagesStored)
	}
	if len(report.ErrorCounts) != 0 {
		t.Fatalf("errors recorded for recovered fetch: %v", report.ErrorCounts)
	}
	if n := e.metrics.Counter("retry.attempt", map[string]string{"operation": "fetch_page", "kind": "rate_limited"}); n != 1 {
		t.Fatalf("retry.attempt = %v", n)
	}
	// The 429 feedback halved the host's effective rate.
	host, _ := url.Parse(srv.URL)
	if got := e.limiters.For(host.Host).Rate(); got >= cfg.Scraping.RatePerSecond {
		t.Fatalf("rate not reduced: %v", got)
	}
}

func TestServerOutageTripsCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	cfg.Scraping.MaxPages = 20

	e := newEngine(t, cfg)
	report, err := e.Crawl(context.Background())
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if report.PagesStored != 0 {
		t.Fatalf("stored = %d", report.PagesStored)
	}
	host, _ := url.Parse(srv.URL)
	found := false
	for _, h := range report.TrippedHosts {
		if h == host.Host {
			found = true
		}
	}
	if !found {
		t.Fatalf("tripped hosts = %v", report.TrippedHosts)
	}
	if report.ErrorCounts[types.KindServerError] == 0 {
		t.Fatalf("no server errors counted: %v", report.ErrorCounts)
	}
	if report.ErrorCounts[types.KindCircuitOpen] == 0 {
		t.Fatalf("no circuit_open counted: %v", report.ErrorCounts)
	}
	if report.PagesTried >= 20 {
		t.Fatalf("seed not abandoned: tried %d", report.PagesTried)
	}
}

func TestCancellationFlushesCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testSettings(t, srv.URL+"/vagas")
	e := newEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	report, err := e.Crawl(ctx)
	if err == nil {
		t.Fatal("no error after cancellation")
	}
	if kind := types.KindOf(err); kind != types.KindCancelled {
		t.Fatalf("kind = %s", kind)
	}
	if report == nil {
		t.Fatal("no report on cancellation")
	}

	// The checkpoint was still flushed on the way out.
	cpPath := filepath.Join(cfg.Cache.CheckpointDir, "incremental_checkpoint.json")
	if _, err := os.Stat(cpPath); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
}

func TestCrawlWithoutSeedsRejected(t *testing.T) {
	cfg := testSettings(t, "unused")
	cfg.Scraping.SeedURLs = nil
	e := newEngine(t, cfg)
	_, err := e.Crawl(context.Background())
	if err == nil {
		t.Fatal("no error without seeds")
	}
	if kind := types.KindOf(err); kind != types.KindConfigInvalid {
		t.Fatalf("kind = %s", kind)
	}
}
