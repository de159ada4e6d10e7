package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobsift/jobsift/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T, maxAgeHours, maxSizeMB int) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 6, maxAgeHours, maxSizeMB, discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleBlob(page int) *Blob {
	return &Blob{
		URL:        fmt.Sprintf("https://board.example/vagas?page=%d", page),
		Page:       page,
		CapturedAt: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Jobs: []*types.Job{
			{URL: fmt.Sprintf("https://board.example/vagas/%d", page*10), Title: "Dev Backend", Company: "Acme"},
			{URL: fmt.Sprintf("https://board.example/vagas/%d", page*10+1), Title: "Dev Frontend", Company: "Beta"},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, 24, 0)

	uncompressed, compressed, err := s.Put("k1", sampleBlob(1))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if uncompressed <= 0 || compressed <= 0 {
		t.Fatalf("sizes = %d/%d", uncompressed, compressed)
	}

	// The file on disk is a gzip stream.
	data, err := os.ReadFile(s.blobPath("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Fatal("blob file is not gzip")
	}

	blob, err := s.Get("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if blob.Page != 1 || len(blob.Jobs) != 2 || blob.Jobs[0].Title != "Dev Backend" {
		t.Fatalf("round trip lost data: %+v", blob)
	}
}

func TestPutIsIdempotentPerKey(t *testing.T) {
	s := newTestStore(t, 24, 0)

	if _, _, err := s.Put("k1", sampleBlob(1)); err != nil {
		t.Fatal(err)
	}
	second := sampleBlob(1)
	second.Jobs[0].Title = "Overwritten"
	if _, _, err := s.Put("k1", second); err != nil {
		t.Fatal(err)
	}

	blob, err := s.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if blob.Jobs[0].Title != "Dev Backend" {
		t.Fatalf("existing blob replaced: %q", blob.Jobs[0].Title)
	}
}

func TestMissIsDistinctFromExpiry(t *testing.T) {
	s := newTestStore(t, 24, 0)

	_, err := s.Get("absent")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("miss not reported: %v", err)
	}
	if kind := types.KindOf(err); kind == types.KindExpired {
		t.Fatalf("miss classified as expired")
	}
}

func TestGetFailsExpiredPastMaxAge(t *testing.T) {
	s := newTestStore(t, 1, 0)
	if _, _, err := s.Put("k1", sampleBlob(1)); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(s.blobPath("k1"), old, old); err != nil {
		t.Fatal(err)
	}

	_, err := s.Get("k1")
	if kind := types.KindOf(err); kind != types.KindExpired {
		t.Fatalf("kind = %s, want expired", kind)
	}
}

func TestCorruptBlobQuarantined(t *testing.T) {
	s := newTestStore(t, 24, 0)
	if _, _, err := s.Put("k1", sampleBlob(1)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.blobPath("k1"), []byte("not a gzip stream"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Get("k1")
	if kind := types.KindOf(err); kind != types.KindCorruptBlob {
		t.Fatalf("kind = %s, want corrupt_blob", kind)
	}
	if _, err := os.Stat(s.blobPath("k1") + ".corrupt"); err != nil {
		t.Fatalf("quarantine sibling missing: %v", err)
	}
	if _, err := os.Stat(s.blobPath("k1")); !os.IsNotExist(err) {
		t.Fatal("corrupt blob still at its final name")
	}
}

func TestPruneRemovesExpiredBlobs(t *testing.T) {
	s := newTestStore(t, 24, 0)
	if _, _, err := s.Put("old", sampleBlob(1)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Put("fresh", sampleBlob(2)); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(s.blobPath("old"), stale, stale); err != nil {
		t.Fatal(err)
	}

	report, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Scanned != 2 || report.Removed != 1 || report.ReclaimedBytes <= 0 {
		t.Fatalf("report = %+v", report)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "fresh" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestPruneEnforcesSizeCapOldestFirst(t *testing.T) {
	s := newTestStore(t, 24, 1)

	// Random letters resist compression, so each blob lands well past
	// half a megabyte on disk.
	rng := rand.New(rand.NewSource(1))
	bulk := make([]byte, 1<<20)
	for i := range bulk {
		bulk[i] = byte('a' + rng.Intn(26))
	}

	now := time.Now()
	for i, key := range []string{"oldest", "middle", "newest"} {
		blob := sampleBlob(i + 1)
		blob.Jobs[0].Description = string(bulk)
		if _, _, err := s.Put(key, blob); err != nil {
			t.Fatal(err)
		}
		mtime := now.Add(time.Duration(i-3) * time.Minute)
		if err := os.Chtimes(s.blobPath(key), mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	report, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Removed == 0 || report.ReclaimedBytes <= 0 {
		t.Fatalf("size cap not enforced: %+v", report)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	remaining := make(map[string]bool, len(keys))
	var total int64
	for _, k := range keys {
		remaining[k] = true
		size, err := s.Size(k)
		if err != nil {
			t.Fatal(err)
		}
		total += size
	}
	if remaining["oldest"] {
		t.Fatal("oldest blob survived the size cap")
	}
	if !remaining["newest"] {
		t.Fatal("newest blob evicted before older ones")
	}
	if total > 1<<20 {
		t.Fatalf("store still over cap: %d bytes", total)
	}
}

func TestKeysListsOnlyBlobs(t *testing.T) {
	s := newTestStore(t, 24, 0)
	if _, _, err := s.Put("k1", sampleBlob(1)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "cache_index.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "k9.json.gz.corrupt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "k1" {
		t.Fatalf("keys = %v", keys)
	}
}
