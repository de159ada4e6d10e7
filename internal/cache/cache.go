// Package cache implements the content-addressed, gzip-compressed blob
// store and the searchable index layered on top of it.
package cache

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jobsift/jobsift/internal/types"
)

// ErrMiss reports that no blob exists for a cache key. A miss is not a
// failure: the caller fetches fresh. Expiry is reported separately.
var ErrMiss = errors.New("cache miss")

// Blob is the unit of storage: the jobs captured from one page fetch.
type Blob struct {
	URL        string       `json:"url"`
	Page       int          `json:"page"`
	CapturedAt time.Time    `json:"captured_at"`
	Jobs       []*types.Job `json:"jobs"`
}

// Store is the compressed blob store. It exclusively owns the blob files
// under its directory. Blobs are immutable once written.
type Store struct {
	dir              string
	compressionLevel int
	maxAge           time.Duration
	maxBytes         int64
	logger           *slog.Logger
}

// NewStore opens (creating if needed) a blob store. maxSizeMB bounds the
// total on-disk size enforced by Prune; zero means unbounded.
func NewStore(dir string, compressionLevel, maxAgeHours, maxSizeMB int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create cache dir: %w", err))
	}
	if compressionLevel < gzip.BestSpeed || compressionLevel > gzip.BestCompression {
		compressionLevel = 6
	}
	return &Store{
		dir:              dir,
		compressionLevel: compressionLevel,
		maxAge:           time.Duration(maxAgeHours) * time.Hour,
		maxBytes:         int64(maxSizeMB) << 20,
		logger:           logger.With("component", "cache"),
	}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) blobPath(cacheKey string) string {
	return filepath.Join(s.dir, cacheKey+".json.gz")
}

// Put serializes and compresses a blob, writing it atomically. Writing the
// same cache key twice is idempotent; the existing blob wins.
// Returns uncompressed and compressed sizes.
func (s *Store) Put(cacheKey string, blob *Blob) (uncompressed, compressed int64, err error) {
	final := s.blobPath(cacheKey)
	if st, statErr := os.Stat(final); statErr == nil {
		raw, _ := json.Marshal(blob)
		return int64(len(raw)), st.Size(), nil
	}

	raw, err := json.Marshal(blob)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal blob: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, cacheKey+".*.tmp")
	if err != nil {
		return 0, 0, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create temp blob: %w", err))
	}
	defer os.Remove(tmp.Name())

	zw, err := gzip.NewWriterLevel(tmp, s.compressionLevel)
	if err != nil {
		tmp.Close()
		return 0, 0, err
	}
	if _, err := zw.Write(raw); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("finish gzip stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, 0, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return 0, 0, fmt.Errorf("rename blob: %w", err)
	}

	st, err := os.Stat(final)
	if err != nil {
		return int64(len(raw)), 0, err
	}
	s.logger.Debug("blob written",
		"cache_key", cacheKey,
		"jobs", len(blob.Jobs),
		"uncompressed", len(raw),
		"compressed", st.Size(),
	)
	return int64(len(raw)), st.Size(), nil
}

// Get reads, decompresses and deserializes a blob. A missing blob is
// ErrMiss; one older than the store's max age fails with an expired
// error. Corrupt blobs are
// quarantined with a .corrupt suffix and reported as corrupt_blob; the
// store never returns a partial object.
func (s *Store) Get(cacheKey string) (*Blob, error) {
	path := s.blobPath(cacheKey)

	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMiss, cacheKey)
		}
		return nil, err
	}
	if s.maxAge > 0 && time.Since(st.ModTime()) > s.maxAge {
		return nil, types.NewClassified(types.KindExpired,
			fmt.Errorf("blob %s exceeded max age", cacheKey))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, s.quarantine(cacheKey, fmt.Errorf("gzip header: %w", err))
	}
	defer zr.Close()

	var blob Blob
	if err := json.NewDecoder(zr).Decode(&blob); err != nil {
		return nil, s.quarantine(cacheKey, fmt.Errorf("decode blob: %w", err))
	}
	return &blob, nil
}

// Delete removes a blob file. Missing files are not an error.
func (s *Store) Delete(cacheKey string) error {
	if err := os.Remove(s.blobPath(cacheKey)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Age returns the age of a blob derived from its file mtime.
func (s *Store) Age(cacheKey string) (time.Duration, error) {
	st, err := os.Stat(s.blobPath(cacheKey))
	if err != nil {
		return 0, err
	}
	return time.Since(st.ModTime()), nil
}

// Size returns the on-disk size of a blob.
func (s *Store) Size(cacheKey string) (int64, error) {
	st, err := os.Stat(s.blobPath(cacheKey))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Keys lists the cache keys of all non-quarantined blobs on disk.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json.gz"))
	}
	return keys, nil
}

// quarantine renames a corrupt blob aside and returns a corrupt_blob error.
func (s *Store) quarantine(cacheKey string, cause error) error {
	path := s.blobPath(cacheKey)
	if err := os.Rename(path, path+".corrupt"); err != nil {
		s.logger.Error("quarantine rename failed", "cache_key", cacheKey, "error", err)
	} else {
		s.logger.Warn("blob quarantined", "cache_key", cacheKey, "cause", cause)
	}
	return types.NewClassified(types.KindCorruptBlob,
		fmt.Errorf("blob %s: %w", cacheKey, cause))
}

// Prune removes blobs older than maxAge, then evicts oldest-first until
// the store fits its size cap, and reports what was reclaimed.
func (s *Store) Prune(maxAge time.Duration) (types.PruneReport, error) {
	var report types.PruneReport

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, types.NewClassified(types.KindIOUnavailable, err)
	}

	type blobInfo struct {
		name  string
		mtime time.Time
		size  int64
	}
	var kept []blobInfo
	var totalBytes int64

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".corrupt") {
			report.Quarantined++
			continue
		}
		if !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		report.Scanned++
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				report.Removed++
				report.ReclaimedBytes += info.Size()
			}
			continue
		}
		kept = append(kept, blobInfo{name: name, mtime: info.ModTime(), size: info.Size()})
		totalBytes += info.Size()
	}

	if s.maxBytes > 0 && totalBytes > s.maxBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })
		for _, b := range kept {
			if totalBytes <= s.maxBytes {
				break
			}
			if err := os.Remove(filepath.Join(s.dir, b.name)); err == nil {
				report.Removed++
				report.ReclaimedBytes += b.size
				totalBytes -= b.size
			}
		}
	}

	s.logger.Info("cache pruned",
		"scanned", report.Scanned,
		"removed", report.Removed,
		"reclaimed_bytes", report.ReclaimedBytes,
	)
	return report, nil
}
