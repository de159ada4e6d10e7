package types

import "time"

// RunReport summarizes one crawl run.
type RunReport struct {
	TraceID     string    `json:"trace_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Seeds       []string  `json:"seeds"`
	PagesTried  int       `json:"pages_tried"`
	PagesStored int       `json:"pages_stored"`

	JobsExtracted int `json:"jobs_extracted"`
	JobsValidated int `json:"jobs_validated"`
	JobsRejected  int `json:"jobs_rejected"`
	JobsNew       int `json:"jobs_new"`
	JobsKnown     int `json:"jobs_known"`
	JobsChanged   int `json:"jobs_changed"`
	Duplicates    int `json:"duplicates"`

	// ErrorCounts aggregates failures by kind across the run.
	ErrorCounts map[Kind]int `json:"error_counts"`

	// TopErrors holds the three most frequent error classes with a sample.
	TopErrors []ErrorSample `json:"top_errors,omitempty"`

	// TrippedHosts lists hosts whose circuit opened during the run.
	TrippedHosts []string `json:"tripped_hosts,omitempty"`

	HealthScore float64  `json:"health_score"`
	OutputPaths []string `json:"output_paths,omitempty"`
}

// ErrorSample is one error class with a representative message.
type ErrorSample struct {
	Kind   Kind   `json:"kind"`
	Count  int    `json:"count"`
	Sample string `json:"sample"`
}

// DedupReport summarizes a deduplication pass.
type DedupReport struct {
	Total      int          `json:"total"`
	Unique     int          `json:"unique"`
	Duplicates int          `json:"duplicates"`
	ByReason   map[string]int `json:"by_reason"`
	BackupPath string       `json:"backup_path,omitempty"`
}

// FacetCount is one aggregated facet value with its frequency.
type FacetCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// PruneReport summarizes a cache prune.
type PruneReport struct {
	Scanned        int   `json:"scanned"`
	Removed        int   `json:"removed"`
	Quarantined    int   `json:"quarantined"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
}
