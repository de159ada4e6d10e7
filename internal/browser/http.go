package browser

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// maxBodySize caps listing-page bodies at 8 MiB.
const maxBodySize = 8 << 20

// HTTPFetcher is the lite mode: plain requests without a browser, for
// sites that render listings server-side.
type HTTPFetcher struct {
	client     *http.Client
	userAgents []string
	uaIndex    atomic.Int64

	logger  *obs.Logger
	metrics *obs.Metrics
}

// NewHTTPFetcher builds the lite fetcher with its own cookie jar.
func NewHTTPFetcher(cfg *config.Settings, logger *obs.Logger, metrics *obs.Metrics) (*HTTPFetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Decompression is handled here so brotli works too.
		DisableCompression: true,
	}

	userAgents := cfg.Browser.UserAgents
	if cfg.Browser.UserAgent != "" {
		userAgents = []string{cfg.Browser.UserAgent}
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   cfg.Performance.NavigationTimeout,
		},
		userAgents: userAgents,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Fetch loads and parses one URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewClassified(types.KindFatal,
			fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	f.metrics.ObserveSince("fetch.duration", start, map[string]string{"mode": "http"})
	if err != nil {
		return nil, types.Classify(err)
	}
	defer resp.Body.Close()

	if ce := types.ClassifyStatus(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"))); ce != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, ce
	}

	reader, err := decompressReader(resp.Header.Get("Content-Encoding"),
		io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, types.NewClassified(types.KindParseError,
			fmt.Errorf("decompress %s: %w", url, err))
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, types.Classify(err)
	}

	doc, err := extract.ParseDocument(string(body))
	if err != nil {
		return nil, types.NewClassified(types.KindParseError,
			fmt.Errorf("parse %s: %w", url, err))
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	f.logger.Debug("page fetched",
		"component", "http", "url", url,
		"status", resp.StatusCode, "bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds())

	return &Result{
		Doc:      doc,
		HTML:     string(body),
		Status:   resp.StatusCode,
		FinalURL: finalURL,
	}, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *HTTPFetcher) nextUserAgent() string {
	if len(f.userAgents) == 0 {
		return "jobsift/" + config.Version
	}
	idx := f.uaIndex.Add(1) % int64(len(f.userAgents))
	return f.userAgents[idx]
}

// decompressReader wraps the body for gzip, deflate, or brotli encodings.
func decompressReader(encoding string, r io.Reader) (io.Reader, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}

// parseRetryAfter accepts integer seconds or an HTTP date, capped at two
// minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 0
}
