package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for file extensions with no extractor.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ExtractionError is a parse or fetch failure for one source. Message is
// meant for the person who uploaded the source.
type ExtractionError struct {
	Source  string
	Message string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extracting %s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("extracting %s: %s", e.Source, e.Message)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func extractionErr(source, msg string, err error) *ExtractionError {
	return &ExtractionError{Source: source, Message: msg, Err: err}
}

// Extractor handles a specific file format.
type Extractor interface {
	// CanHandle returns true if this extractor supports the given path.
	CanHandle(path string) bool

	// Extract returns the file's text.
	Extract(ctx context.Context, path string) (string, error)
}

// DefaultMaxFileSize is 25 MiB.
const DefaultMaxFileSize = 25 << 20

// Options configures the Engine.
type Options struct {
	MaxFileSize int64 // bytes, default 25 MiB
	Crawl       CrawlOptions
	HTTPClient  *http.Client // shared by export fetches and the scraper
}

// CrawlOptions bounds website scraping.
type CrawlOptions struct {
	MaxPages    int           // default 50
	Timeout     time.Duration // whole crawl, default 120s
	PageTimeout time.Duration // per request, default 30s
	Rate        float64       // requests per second, default 5
	Burst       int           // default 5
	UserAgent   string
	// OnPage is called once per fetched page with "ok", "skipped" or "error".
	OnPage func(result string)
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	o.Crawl = o.Crawl.withDefaults()
	return o
}

func (o CrawlOptions) withDefaults() CrawlOptions {
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.Rate <= 0 {
		o.Rate = 5
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.UserAgent == "" {
		o.UserAgent = "owlbee-crawler/1.0"
	}
	return o
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
