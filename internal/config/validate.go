package config

import (
	"fmt"
	"net/url"

	"github.com/jobsift/jobsift/internal/types"
)

// Validate checks the settings for out-of-range values. It returns a
// config_invalid error with an explicit message on the first violation.
func Validate(cfg *Settings) error {
	fail := func(format string, args ...any) error {
		return types.NewClassified(types.KindConfigInvalid, fmt.Errorf(format, args...))
	}

	if cfg.Scraping.MaxConcurrent < 1 || cfg.Scraping.MaxConcurrent > 64 {
		return fail("scraping.max_concurrent must be 1-64, got %d", cfg.Scraping.MaxConcurrent)
	}
	if cfg.Scraping.MaxPages < 1 {
		return fail("scraping.max_pages must be >= 1, got %d", cfg.Scraping.MaxPages)
	}
	if cfg.Scraping.RatePerSecond <= 0 {
		return fail("scraping.rate_per_second must be > 0, got %g", cfg.Scraping.RatePerSecond)
	}
	if cfg.Scraping.Burst < 1 {
		return fail("scraping.burst must be >= 1, got %d", cfg.Scraping.Burst)
	}
	if cfg.Scraping.CompressionLevel < 1 || cfg.Scraping.CompressionLevel > 9 {
		return fail("scraping.compression_level must be 1-9, got %d", cfg.Scraping.CompressionLevel)
	}
	if cfg.Scraping.NewRatioFloor < 0 || cfg.Scraping.NewRatioFloor > 1 {
		return fail("scraping.new_ratio_floor must be 0-1, got %g", cfg.Scraping.NewRatioFloor)
	}
	if cfg.Scraping.DedupSimilarity < 0 || cfg.Scraping.DedupSimilarity > 1 {
		return fail("scraping.dedup_similarity must be 0-1, got %g", cfg.Scraping.DedupSimilarity)
	}
	for _, seed := range cfg.Scraping.SeedURLs {
		u, err := url.Parse(seed)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fail("scraping.seed_urls entry %q is not an http(s) URL", seed)
		}
	}

	if cfg.Cache.Dir == "" {
		return fail("cache.dir must not be empty")
	}
	if cfg.Cache.MaxAgeHours < 1 {
		return fail("cache.max_age_hours must be >= 1, got %d", cfg.Cache.MaxAgeHours)
	}
	if cfg.Cache.MaxSizeMB < 1 {
		return fail("cache.max_size_mb must be >= 1, got %d", cfg.Cache.MaxSizeMB)
	}

	if cfg.Performance.NavigationTimeout <= 0 {
		return fail("performance.navigation_timeout must be > 0")
	}
	if cfg.Performance.ElementTimeout <= 0 {
		return fail("performance.element_timeout must be > 0")
	}
	switch cfg.Performance.RetryStrategy {
	case "conservative", "standard", "aggressive", "network_heavy":
	default:
		return fail("performance.retry_strategy must be one of conservative/standard/aggressive/network_heavy, got %q",
			cfg.Performance.RetryStrategy)
	}
	if cfg.Performance.PoolMinSize < 0 {
		return fail("performance.pool_min_size must be >= 0, got %d", cfg.Performance.PoolMinSize)
	}
	if cfg.Performance.PoolMaxSize < 1 || cfg.Performance.PoolMaxSize < cfg.Performance.PoolMinSize {
		return fail("performance.pool_max_size must be >= max(1, pool_min_size), got %d", cfg.Performance.PoolMaxSize)
	}
	if cfg.Performance.PageMaxUses < 1 {
		return fail("performance.page_max_uses must be >= 1, got %d", cfg.Performance.PageMaxUses)
	}

	if cfg.Output.Dir == "" {
		return fail("output.dir must not be empty")
	}
	for _, f := range cfg.Output.Formats {
		switch f {
		case "json", "csv", "text":
		default:
			return fail("output.formats entry %q is not supported (valid: json, csv, text)", f)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fail("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB < 1 {
		return fail("logging.max_size_mb must be >= 1, got %d", cfg.Logging.MaxSizeMB)
	}

	if cfg.Browser.Mode != "browser" && cfg.Browser.Mode != "http" {
		return fail("browser.mode must be 'browser' or 'http', got %q", cfg.Browser.Mode)
	}
	if cfg.Browser.ViewportWidth < 320 || cfg.Browser.ViewportHeight < 240 {
		return fail("browser viewport must be at least 320x240, got %dx%d",
			cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}

	return nil
}
