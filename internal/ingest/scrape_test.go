package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleExportURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		kind googleKind
	}{
		{"https://docs.google.com/document/d/abc_123-X/edit?usp=sharing", "https://docs.google.com/document/d/abc_123-X/export?format=txt", googleDoc},
		{"https://docs.google.com/spreadsheets/d/SHEET1/edit#gid=42", "https://docs.google.com/spreadsheets/d/SHEET1/export?format=csv&gid=42", googleSheet},
		{"https://docs.google.com/spreadsheets/d/SHEET1/edit?gid=7", "https://docs.google.com/spreadsheets/d/SHEET1/export?format=csv&gid=7", googleSheet},
		{"https://docs.google.com/presentation/d/P/edit", "", 0},
		{"https://example.com/document/d/abc", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			got, kind, ok := GoogleExportURL(u)
			assert.Equal(t, tt.want != "", ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestFetchExportPermissionMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			fmt.Fprint(w, "Shared document body")
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	body, err := fetchExport(context.Background(), srv.Client(), srv.URL+"/ok", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "Shared document body", body)

	_, err = fetchExport(context.Background(), srv.Client(), srv.URL+"/private", 1<<20)
	var xerr *ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Contains(t, xerr.Message, "link sharing")

	_, err = fetchExport(context.Background(), srv.Client(), srv.URL+"/ok", 4)
	require.True(t, errors.As(err, &xerr))
	assert.Contains(t, xerr.Message, "exceeds")
}

// site serves a small website. With sitemap set it also serves
// /sitemap.xml as an index pointing at /pages.xml.
func site(t *testing.T, sitemap bool) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	mux := http.NewServeMux()
	var srv *httptest.Server

	html := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits.Store(r.URL.Path, true)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<html><head><title>x</title><script>var junk = 1;</script></head><body>%s</body></html>", body)
		}
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			hits.Store(r.URL.Path, true)
			http.NotFound(w, r)
			return
		}
		html(`<nav><a href="/about">About</a></nav>
<main><h1>Welcome to Acme</h1><p>We sell   rocket skates.</p>
<ul><li><p>Fast</p></li><li>Cheap</li></ul>
<a href="/about#team">Team</a> <a href="/pricing">Pricing</a> <a href="/logo.png">Logo</a>
<a href="/cart">Cart</a> <a href="mailto:hi@acme.test">Mail</a> <a href="#top">Top</a>
<a href="https://elsewhere.test/page">Elsewhere</a> <a href="/feed">Feed</a> <a href="/broken">Broken</a></main>`)(w, r)
	})
	mux.HandleFunc("/about", html(`<article><h2>About us</h2><p>Founded in 1949.</p></article><footer>Copyright</footer>`))
	mux.HandleFunc("/pricing", html(`<div role="main"><table><tr><th>Plan</th><td>$10</td></tr></table></div>`))
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, "<rss/>")
	})
	if sitemap {
		mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<sitemap><loc>%s/pages.xml</loc></sitemap></sitemapindex>`, srv.URL)
		})
		mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>%[1]s/about</loc></url><url><loc>%[1]s/pricing</loc></url><url><loc>%[1]s/account/settings</loc></url>
<url><loc>https://elsewhere.test/x</loc></url></urlset>`, srv.URL)
		})
	}
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hits
}

func newTestScraper(srv *httptest.Server, opts CrawlOptions) *Scraper {
	opts.Rate = 1000
	opts.Burst = 100
	return NewScraper(srv.Client(), opts, zerolog.Nop())
}

func TestCrawlBreadthFirst(t *testing.T) {
	srv, hits := site(t, false)
	var mu sync.Mutex
	results := map[string]int{}
	s := newTestScraper(srv, CrawlOptions{OnPage: func(r string) {
		mu.Lock()
		results[r]++
		mu.Unlock()
	}})

	got, err := s.Crawl(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	want := strings.Join([]string{
		"=== Page: " + srv.URL + "/ ===",
		"Welcome to Acme\nWe sell rocket skates.\nFast\nCheap",
		"",
		"=== Page: " + srv.URL + "/about ===",
		"About us\nFounded in 1949.",
		"",
		"=== Page: " + srv.URL + "/pricing ===",
		"Plan\n$10",
	}, "\n")
	assert.Equal(t, want, got)

	_, cart := hits.Load("/cart")
	_, logo := hits.Load("/logo.png")
	assert.False(t, cart, "account and commerce pages are skipped")
	assert.False(t, logo, "assets are skipped")
	_, feed := hits.Load("/feed")
	assert.True(t, feed)

	assert.Equal(t, 3, results["ok"])
	assert.Equal(t, 2, results["error"], "feed is not HTML and /broken is a 404")
	assert.NotContains(t, got, "junk")
	assert.NotContains(t, got, "Copyright")
}

func TestCrawlUsesSitemap(t *testing.T) {
	srv, hits := site(t, true)
	s := newTestScraper(srv, CrawlOptions{})

	got, err := s.Crawl(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "=== Page: "+srv.URL+"/about ==="), got)
	assert.Contains(t, got, "=== Page: "+srv.URL+"/pricing ===")
	assert.NotContains(t, got, "Welcome to Acme")

	_, home := hits.Load("/")
	assert.False(t, home, "sitemap pages replace link discovery")
	_, account := hits.Load("/account/settings")
	assert.False(t, account)
}

func TestCrawlMaxPages(t *testing.T) {
	srv, _ := site(t, false)
	s := newTestScraper(srv, CrawlOptions{MaxPages: 1})
	got, err := s.Crawl(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(got, "=== Page:"))
}

func TestCrawlNothingExtracted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewScraper(srv.Client(), CrawlOptions{Rate: 1000, Burst: 10, Timeout: 5 * time.Second}, zerolog.Nop())
	_, err := s.Crawl(context.Background(), srv.URL)
	var xerr *ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Contains(t, xerr.Message, "no pages")
}

func TestEngineGoogleSheetRoute(t *testing.T) {
	e := NewEngine(Options{HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/spreadsheets/d/S1/export", r.URL.Path)
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		rec := httptest.NewRecorder()
		fmt.Fprint(rec, "Question,Answer\nHours?,9 to 5\n")
		return rec.Result(), nil
	})}}, zerolog.Nop())

	got, err := e.Extract(context.Background(), "https://docs.google.com/spreadsheets/d/S1/edit")
	require.NoError(t, err)
	assert.Contains(t, got, "Row 1: Question: Hours?, Answer: 9 to 5")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestMainTextKeepsParentText(t *testing.T) {
	page := `<html><body><nav>Menu</nav><main>
<h1>Plans</h1>
<ul>
  <li>Pricing tiers <strong>2025</strong>
    <ul><li>Starter is $10</li><li>Pro is $30</li></ul>
  </li>
</ul>
<table><tr><td>Support hours<p>Weekdays nine to five</p></td></tr></table>
</main></body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	assert.Equal(t, "Plans\nPricing tiers 2025\nStarter is $10\nPro is $30\nSupport hours\nWeekdays nine to five", mainText(doc))
}
