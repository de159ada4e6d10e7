package incremental

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

func job(url, fp string) *types.Job {
	return &types.Job{URL: url, SourceFingerprint: fp}
}

func newProcessor(t *testing.T, path string, forced bool) *Processor {
	t.Helper()
	p, err := New(path, 0.30, forced, obs.Discard(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func TestClassification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	p := newProcessor(t, path, false)

	res, err := p.Page("https://board.example/vagas", []*types.Job{job("https://a/1", "f1"), job("https://a/2", "f2")})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(res.New) != 2 || res.Known != 0 || len(res.Changed) != 0 {
		t.Fatalf("first page: %+v", res)
	}

	// Same URL, same fingerprint: known. Same URL, new fingerprint: changed
	// with the prior fingerprint referenced.
	res, err = p.Page("https://board.example/vagas", []*types.Job{job("https://a/1", "f1"), job("https://a/2", "f2-v2")})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if res.Known != 1 || len(res.Changed) != 1 || len(res.New) != 0 {
		t.Fatalf("second page: %+v", res)
	}
	if res.Changed[0].PriorKey != "f2" {
		t.Fatalf("prior_key = %q, want f2", res.Changed[0].PriorKey)
	}
}

func TestEarlyStopNeedsStreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	p := newProcessor(t, path, false)

	fresh := []*types.Job{job("https://a/1", "f1"), job("https://a/2", "f2")}
	if res, _ := p.Page("https://board.example/vagas", fresh); res.Stop {
		t.Fatal("stopped on an all-new page")
	}

	// One mostly-known page is not enough.
	if res, _ := p.Page("https://board.example/vagas", fresh); res.Stop {
		t.Fatal("stopped after a single known page")
	}
	// The second consecutive one is.
	res, _ := p.Page("https://board.example/vagas", fresh)
	if !res.Stop {
		t.Fatal("no stop after two consecutive known pages")
	}
}

func TestStreakScopedPerSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	p := newProcessor(t, path, false)

	known := []*types.Job{job("https://a/1", "f1"), job("https://a/2", "f2")}
	if _, err := p.Page("https://board-a.example", known); err != nil {
		t.Fatalf("page: %v", err)
	}
	// Board A sees the same jobs twice more, building its streak.
	p.Page("https://board-a.example", known)
	res, _ := p.Page("https://board-a.example", known)
	if !res.Stop {
		t.Fatal("board A did not stop after its own streak")
	}

	// Board B's first page is mostly known too, but its streak starts at
	// one: A's streak must not stop B.
	res, _ = p.Page("https://board-b.example", known)
	if res.Stop {
		t.Fatal("board B stopped on another seed's streak")
	}
	res, _ = p.Page("https://board-b.example", known)
	if !res.Stop {
		t.Fatal("board B never stopped on its own streak")
	}
}

func TestForcedModeNeverStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	p := newProcessor(t, path, true)

	same := []*types.Job{job("https://a/1", "f1")}
	for i := 0; i < 5; i++ {
		if res, _ := p.Page("https://board.example/vagas", same); res.Stop {
			t.Fatal("forced mode signalled stop")
		}
	}
}

func TestCheckpointPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")

	p := newProcessor(t, path, false)
	if _, err := p.Page("https://board.example/vagas", []*types.Job{job("https://a/1", "f1")}); err != nil {
		t.Fatalf("page: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q := newProcessor(t, path, false)
	if !q.Seen("https://a/1") {
		t.Fatal("seen URL lost across restart")
	}
	res, _ := q.Page("https://board.example/vagas", []*types.Job{job("https://a/1", "f1")})
	if res.Known != 1 {
		t.Fatalf("restarted classification: %+v", res)
	}

	// Seen sets only grow and the session history is append-only.
	var cp checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if cp.Schema != 1 {
		t.Fatalf("schema = %d", cp.Schema)
	}
	if len(cp.SeenURLs) != 1 || len(cp.Sessions) != 1 {
		t.Fatalf("urls=%d sessions=%d", len(cp.SeenURLs), len(cp.Sessions))
	}
	if cp.Sessions[0].New != 1 {
		t.Fatalf("session new = %d", cp.Sessions[0].New)
	}
}

func TestConcurrentPagesFlushSafely(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	p := newProcessor(t, path, true)

	const workers = 8
	const pages = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers*pages)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			seed := fmt.Sprintf("https://board-%d.example", w)
			for i := 0; i < pages; i++ {
				u := fmt.Sprintf("%s/vagas/%d", seed, i)
				if _, err := p.Page(seed, []*types.Job{job(u, u)}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent page: %v", err)
	}

	// The final checkpoint is complete and parseable.
	q := newProcessor(t, path, true)
	for w := 0; w < workers; w++ {
		for i := 0; i < pages; i++ {
			u := fmt.Sprintf("https://board-%d.example/vagas/%d", w, i)
			if !q.Seen(u) {
				t.Fatalf("url lost from checkpoint: %s", u)
			}
		}
	}
}

func TestCorruptCheckpointRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, 0.30, false, obs.Discard(), obs.NewMetrics()); err == nil {
		t.Fatal("corrupt checkpoint accepted")
	}
}
