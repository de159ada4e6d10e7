package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// BrowserFetcher renders pages in a pooled headless browser.
type BrowserFetcher struct {
	browser *rod.Browser
	pool    *Pool

	navTimeout  time.Duration
	elemTimeout time.Duration
	userAgent   string
	viewportW   int
	viewportH   int

	logger  *obs.Logger
	metrics *obs.Metrics
}

// NewBrowserFetcher launches Chromium and connects the page pool.
func NewBrowserFetcher(cfg *config.Settings, logger *obs.Logger, metrics *obs.Metrics) (*BrowserFetcher, error) {
	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	for _, arg := range cfg.Browser.LaunchArgs {
		l = l.Set(flags.Flag(arg))
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("launch browser: %w", err))
	}

	b := rod.New().ControlURL(launchURL)
	if err := b.Connect(); err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("connect browser: %w", err))
	}

	elemTimeout := cfg.Performance.ElementTimeout
	if elemTimeout <= 0 {
		elemTimeout = 3 * time.Second
	}
	bf := &BrowserFetcher{
		browser:     b,
		pool:        NewPool(b, cfg.Performance, true, logger, metrics),
		navTimeout:  cfg.Performance.NavigationTimeout,
		elemTimeout: elemTimeout,
		userAgent:   cfg.Browser.UserAgent,
		viewportW:   cfg.Browser.ViewportWidth,
		viewportH:   cfg.Browser.ViewportHeight,
		logger:      logger,
		metrics:     metrics,
	}
	logger.Info("browser fetcher ready",
		"component", "browser",
		"pool_max", cfg.Performance.PoolMaxSize,
		"headless", cfg.Browser.Headless)
	return bf, nil
}

// Fetch renders one URL and parses the stabilized DOM.
func (bf *BrowserFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	lease, err := bf.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	res, err := bf.fetchOnPage(ctx, lease.Page(), url)
	lease.Release(err != nil)
	bf.metrics.ObserveSince("fetch.duration", start, map[string]string{"mode": "browser"})
	if err != nil {
		return nil, err
	}

	bf.logger.Debug("page rendered",
		"component", "browser", "url", url,
		"final_url", res.FinalURL, "bytes", len(res.HTML),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (bf *BrowserFetcher) fetchOnPage(ctx context.Context, page *rod.Page, url string) (*Result, error) {
	page = page.Context(ctx)

	if bf.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: bf.userAgent}); err != nil {
			bf.logger.Warn("user agent override failed", "component", "browser", "error", err)
		}
	}
	if bf.viewportW > 0 && bf.viewportH > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width: bf.viewportW, Height: bf.viewportH, DeviceScaleFactor: 1,
		})
	}

	if err := page.Timeout(bf.navTimeout).Navigate(url); err != nil {
		return nil, types.Classify(err)
	}
	if err := page.Timeout(bf.elemTimeout).WaitStable(300 * time.Millisecond); err != nil {
		// A busy page is still worth parsing; stability is best effort.
		bf.logger.Warn("page did not stabilize",
			"component", "browser", "url", url, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, types.Classify(err)
	}
	doc, err := extract.ParseDocument(html)
	if err != nil {
		return nil, types.NewClassified(types.KindParseError,
			fmt.Errorf("parse %s: %w", url, err))
	}

	finalURL := url
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	return &Result{Doc: doc, HTML: html, Status: 200, FinalURL: finalURL}, nil
}

// Close drains the pool and shuts the browser down.
func (bf *BrowserFetcher) Close() error {
	bf.pool.Close()
	return bf.browser.Close()
}
