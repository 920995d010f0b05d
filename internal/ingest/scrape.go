package ingest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hurttlocker/owlbee/internal/logging"
)

const maxPageBytes = 10 << 20

var assetExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true, ".bmp": true,
	".css": true, ".js": true, ".json": true, ".xml": true, ".rss": true, ".atom": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".zip": true, ".gz": true, ".tar": true, ".rar": true, ".7z": true, ".exe": true, ".dmg": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".webm": true, ".wav": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
}

var skipSegments = []string{
	"login", "logout", "signin", "sign-in", "signup", "sign-up", "register",
	"auth", "oauth", "cart", "checkout", "account", "my-account", "wp-admin", "wp-login.php",
}

// Scraper crawls a website and extracts the main text of each page.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    CrawlOptions
	log     zerolog.Logger
}

// NewScraper creates a scraper. Requests across all crawls share one rate
// limiter.
func NewScraper(client *http.Client, opts CrawlOptions, log zerolog.Logger) *Scraper {
	opts = opts.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: opts.PageTimeout}
	}
	return &Scraper{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		opts:    opts,
		log:     logging.Component(log, "scraper"),
	}
}

type page struct {
	url  string
	text string
}

// Crawl extracts up to MaxPages pages, found through the site's sitemap or
// else by following same-host links breadth-first from start. Pages are
// joined under "=== Page: URL ===" banners. Failing pages are skipped; a
// crawl with no extracted page is an ExtractionError.
func (s *Scraper) Crawl(ctx context.Context, start string) (string, error) {
	startURL, err := url.Parse(start)
	if err != nil || startURL.Host == "" {
		return "", extractionErr(start, "invalid URL", err)
	}
	startURL.Fragment = ""

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var pages []page
	if urls := s.sitemap(ctx, startURL); len(urls) > 0 {
		s.log.Debug().Str("url", start).Int("urls", len(urls)).Msg("using sitemap")
		for _, u := range urls {
			if len(pages) >= s.opts.MaxPages || ctx.Err() != nil {
				break
			}
			if text, _, err := s.fetchPage(ctx, u); err == nil && text != "" {
				pages = append(pages, page{url: u, text: text})
			}
		}
	}
	if len(pages) == 0 {
		pages = s.bfs(ctx, startURL)
	}

	if len(pages) == 0 {
		msg := "no pages could be extracted"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "crawl timed out before any page was extracted"
		}
		return "", extractionErr(start, msg, nil)
	}

	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprintf("=== Page: %s ===\n%s", p.url, p.text)
	}
	s.log.Info().Str("url", start).Int("pages", len(pages)).Msg("crawl finished")
	return strings.Join(parts, "\n\n"), nil
}

func (s *Scraper) bfs(ctx context.Context, start *url.URL) []page {
	var pages []page
	queue := []string{start.String()}
	seen := map[string]bool{start.String(): true}

	for len(queue) > 0 && len(pages) < s.opts.MaxPages && ctx.Err() == nil {
		current := queue[0]
		queue = queue[1:]

		text, links, err := s.fetchPage(ctx, current)
		if err != nil {
			continue
		}
		if text != "" {
			pages = append(pages, page{url: current, text: text})
		}
		for _, link := range links {
			if !seen[link] {
				seen[link] = true
				queue = append(queue, link)
			}
		}
	}
	return pages
}

// fetchPage returns the main text of an HTML page and its crawlable
// same-host links.
func (s *Scraper) fetchPage(ctx context.Context, raw string) (string, []string, error) {
	text, links, err := s.doFetchPage(ctx, raw)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("url", raw).Msg("skipping page")
		s.report("error")
	case text == "":
		s.report("skipped")
	default:
		s.report("ok")
	}
	return text, links, err
}

func (s *Scraper) doFetchPage(ctx context.Context, raw string) (string, []string, error) {
	body, ctype, err := s.get(ctx, raw)
	if err != nil {
		return "", nil, err
	}
	if !isHTML(ctype) {
		return "", nil, fmt.Errorf("not HTML: %q", ctype)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("parsing HTML: %w", err)
	}
	base, _ := url.Parse(raw)
	links := crawlLinks(doc, base)
	return mainText(doc), links, nil
}

func (s *Scraper) report(result string) {
	if s.opts.OnPage != nil {
		s.opts.OnPage(result)
	}
}

func (s *Scraper) get(ctx context.Context, raw string) ([]byte, string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func isHTML(ctype string) bool {
	if ctype == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// sitemap reads /sitemap.xml, following a sitemap index one level down.
func (s *Scraper) sitemap(ctx context.Context, start *url.URL) []string {
	root := &url.URL{Scheme: start.Scheme, Host: start.Host, Path: "/sitemap.xml"}
	doc, err := s.fetchSitemap(ctx, root.String())
	if err != nil {
		s.log.Debug().Err(err).Str("url", root.String()).Msg("no sitemap")
		return nil
	}

	locs := doc.URLs
	for _, child := range doc.Sitemaps {
		if len(locs) >= s.opts.MaxPages || ctx.Err() != nil {
			break
		}
		sub, err := s.fetchSitemap(ctx, strings.TrimSpace(child.Loc))
		if err != nil {
			s.log.Debug().Err(err).Str("url", child.Loc).Msg("skipping child sitemap")
			continue
		}
		locs = append(locs, sub.URLs...)
	}

	var out []string
	seen := map[string]bool{}
	for _, l := range locs {
		u, err := url.Parse(strings.TrimSpace(l.Loc))
		if err != nil || !sameHost(u, start) || skipURL(u) {
			continue
		}
		u.Fragment = ""
		if key := u.String(); !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
		if len(out) >= s.opts.MaxPages {
			break
		}
	}
	return out
}

func (s *Scraper) fetchSitemap(ctx context.Context, raw string) (*sitemapDoc, error) {
	body, _, err := s.get(ctx, raw)
	if err != nil {
		return nil, err
	}
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing sitemap: %w", err)
	}
	return &doc, nil
}

// crawlLinks returns the absolute, fragment-free, same-host links of doc.
func crawlLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		if !sameHost(u, base) || skipURL(u) {
			return
		}
		links = append(links, u.String())
	})
	return links
}

func sameHost(u, base *url.URL) bool {
	return strings.EqualFold(strings.TrimPrefix(u.Host, "www."), strings.TrimPrefix(base.Host, "www."))
}

// skipURL filters assets, non-http schemes and account/commerce pages.
func skipURL(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return true
	}
	p := strings.ToLower(u.Path)
	if assetExts[path.Ext(p)] {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		for _, skip := range skipSegments {
			if seg == skip {
				return true
			}
		}
	}
	return false
}

const nestedBlocks = "p, li, ul, ol, dl, table, thead, tbody, tr, td, th, blockquote, pre, div, h1, h2, h3, h4, h5, h6"

// mainText strips page chrome and returns headings, paragraphs, list items
// and table cells of the main content, one per line.
func mainText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, form, noscript, iframe, svg").Remove()

	var root *goquery.Selection
	for _, sel := range []string{"main", "article", "[role=main]", "body"} {
		if found := doc.Find(sel).First(); found.Length() > 0 && strings.TrimSpace(found.Text()) != "" {
			root = found
			break
		}
	}
	if root == nil {
		root = doc.Selection
	}

	var lines []string
	last := ""
	emit := func(raw string) {
		text := strings.Join(strings.Fields(raw), " ")
		if text == "" || text == last {
			return
		}
		lines = append(lines, text)
		last = text
	}
	root.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, blockquote, pre").Each(func(_ int, el *goquery.Selection) {
		// A block wrapping other blocks contributes only its own text; the
		// nested blocks are visited on their own.
		if el.Find("p, li, td, th").Length() > 0 {
			emit(el.Contents().Not(nestedBlocks).Text())
			return
		}
		emit(el.Text())
	})
	if len(lines) == 0 {
		return strings.Join(strings.Fields(root.Text()), " ")
	}
	return strings.Join(lines, "\n")
}
