package browser

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

func newHTTP(t *testing.T) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(config.DefaultSettings(), obs.Discard(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestHTTPFetchParsesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("no user agent sent")
		}
		w.Write([]byte(`<html><body><h1 class="job-title">Dev Go</h1></body></html>`))
	}))
	defer srv.Close()

	res, err := newHTTP(t).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != 200 {
		t.Fatalf("status = %d", res.Status)
	}
	if got, ok := res.Doc.CSSText("h1.job-title"); !ok || got != "Dev Go" {
		t.Fatalf("title = %q ok=%v", got, ok)
	}
}

func TestHTTPFetchDecodesEncodings(t *testing.T) {
	page := `<html><body><p id="x">conteúdo comprimido</p></body></html>`

	cases := []struct {
		encoding string
		write    func(w http.ResponseWriter)
	}{
		{"gzip", func(w http.ResponseWriter) {
			zw := gzip.NewWriter(w)
			zw.Write([]byte(page))
			zw.Close()
		}},
		{"br", func(w http.ResponseWriter) {
			bw := brotli.NewWriter(w)
			bw.Write([]byte(page))
			bw.Close()
		}},
	}
	for _, tc := range cases {
		t.Run(tc.encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", tc.encoding)
				tc.write(w)
			}))
			defer srv.Close()

			res, err := newHTTP(t).Fetch(context.Background(), srv.URL)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if got, ok := res.Doc.CSSText("#x"); !ok || got != "conteúdo comprimido" {
				t.Fatalf("body = %q ok=%v", got, ok)
			}
		})
	}
}

func TestHTTPFetchClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status     int
		retryAfter string
		kind       types.Kind
	}{
		{429, "7", types.KindRateLimited},
		{500, "", types.KindServerError},
		{404, "", types.KindClientError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
		}))

		_, err := newHTTP(t).Fetch(context.Background(), srv.URL)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: no error", tc.status)
		}
		if got := types.KindOf(err); got != tc.kind {
			t.Fatalf("status %d: kind = %s, want %s", tc.status, got, tc.kind)
		}
		if tc.status == 429 {
			var ce *types.Classified
			if !errors.As(err, &ce) || ce.RetryAfter != 7*time.Second {
				t.Fatalf("retry_after not carried: %v", err)
			}
		}
	}
}

func TestHTTPFetchCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newHTTP(t).Fetch(ctx, srv.URL)
	if err == nil {
		t.Fatal("no error on cancellation")
	}
	if kind := types.KindOf(err); kind != types.KindCancelled {
		t.Fatalf("kind = %s, want cancelled", kind)
	}
}

func TestUserAgentRotation(t *testing.T) {
	cfg := config.DefaultSettings()
	cfg.Browser.UserAgents = []string{"ua-one", "ua-two"}
	f, err := NewHTTPFetcher(cfg, obs.Discard(), obs.NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[f.nextUserAgent()] = true
	}
	if !seen["ua-one"] || !seen["ua-two"] {
		t.Fatalf("rotation incomplete: %v", seen)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Fatalf("30 -> %v", d)
	}
	if d := parseRetryAfter("999"); d != 120*time.Second {
		t.Fatalf("cap failed: %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("empty -> %v", d)
	}
}
