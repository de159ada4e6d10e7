package engine

import (
	"time"

	"github.com/jobsift/jobsift/internal/cache"
	"github.com/jobsift/jobsift/internal/dedup"
	"github.com/jobsift/jobsift/internal/types"
)

// Search queries the cache index without touching blob files.
func (e *Engine) Search(c cache.SearchCriteria) []*cache.IndexEntry {
	return e.index.Search(c)
}

// TopCompanies aggregates company counts across all index entries.
func (e *Engine) TopCompanies(k int) []types.FacetCount {
	return e.index.TopCompanies(k)
}

// TopTechnologies aggregates technology counts across all index entries.
func (e *Engine) TopTechnologies(k int) []types.FacetCount {
	return e.index.TopTechnologies(k)
}

// EntryCount returns the number of cached blobs.
func (e *Engine) EntryCount() int {
	return e.index.Count()
}

// DedupeFile cleans a JSON job file in place, keeping a .bak sibling.
func (e *Engine) DedupeFile(path string) (types.DedupReport, error) {
	return dedup.CleanFile(path, e.cfg.Scraping.DedupSimilarity, e.logger, e.metrics)
}

// PruneCache removes blobs older than maxAge and rebuilds the index so
// entries and blobs stay paired.
func (e *Engine) PruneCache(maxAge time.Duration) (types.PruneReport, error) {
	rep, err := e.store.Prune(maxAge)
	if err != nil {
		return rep, err
	}
	if rep.Removed > 0 || rep.Quarantined > 0 {
		if err := e.index.Rebuild(); err != nil {
			return rep, err
		}
	}
	return rep, nil
}
