// Package browser fetches listing pages, either through a pooled headless
// browser or a plain HTTP client, and hands back parsed documents.
package browser

import (
	"context"
	"fmt"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/obs"
)

// Result is one successfully fetched and parsed page.
type Result struct {
	Doc      *extract.Document
	HTML     string
	Status   int
	FinalURL string
}

// Fetcher loads one URL into a parsed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
	Close() error
}

// NewFetcher selects the implementation from settings.Browser.Mode.
func NewFetcher(cfg *config.Settings, logger *obs.Logger, metrics *obs.Metrics) (Fetcher, error) {
	switch cfg.Browser.Mode {
	case "http":
		return NewHTTPFetcher(cfg, logger, metrics)
	case "browser", "":
		return NewBrowserFetcher(cfg, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Browser.Mode)
	}
}
