// Package ingest turns uploaded documents and remote sources into plain
// text for training.
//
// Each supported file format (PDF, DOCX, plain text, Markdown, JSON, YAML,
// CSV, XLSX) has its own Extractor. The Engine picks one by file extension
// and dispatches URLs to the Google export fetcher or the website scraper.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Engine routes a source to the matching extractor.
type Engine struct {
	extractors []Extractor
	opts       Options
	client     *http.Client
	scraper    *Scraper
	log        zerolog.Logger
}

// NewEngine builds an Engine with every built-in extractor.
func NewEngine(opts Options, log zerolog.Logger) *Engine {
	opts = opts.withDefaults()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Crawl.PageTimeout}
	}
	return &Engine{
		extractors: []Extractor{
			&PDFExtractor{},
			&DOCXExtractor{},
			&PlainTextExtractor{},
			&MarkdownExtractor{},
			&JSONExtractor{},
			&YAMLExtractor{},
			&CSVExtractor{},
			&XLSXExtractor{},
		},
		opts:    opts,
		client:  client,
		scraper: NewScraper(client, opts.Crawl, log),
		log:     log,
	}
}

// Supported reports whether a local path has an extractor.
func (e *Engine) Supported(path string) bool {
	return e.find(path) != nil
}

func (e *Engine) find(path string) Extractor {
	for _, ex := range e.extractors {
		if ex.CanHandle(path) {
			return ex
		}
	}
	return nil
}

// Extract returns the text of a file path or http(s) URL.
func (e *Engine) Extract(ctx context.Context, source string) (string, error) {
	if IsURL(source) {
		return e.ExtractURL(ctx, source)
	}
	return e.ExtractFile(ctx, source)
}

// ExtractFile extracts a local file.
func (e *Engine) ExtractFile(ctx context.Context, path string) (string, error) {
	ex := e.find(path)
	if ex == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, strings.ToLower(filepath.Ext(path)))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", extractionErr(path, "cannot read file", err)
	}
	if info.IsDir() {
		return "", extractionErr(path, "is a directory", nil)
	}
	if info.Size() > e.opts.MaxFileSize {
		return "", extractionErr(path, fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), e.opts.MaxFileSize), nil)
	}

	text, err := ex.Extract(ctx, path)
	if err != nil {
		var xerr *ExtractionError
		if errors.As(err, &xerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", extractionErr(path, "could not parse file", err)
	}

	text = strings.TrimSpace(text)
	e.log.Debug().Str("source", path).Int("chars", len(text)).Msg("extracted file")
	return text, nil
}

// ExtractURL fetches a Google Doc or Sheet export, or scrapes a website.
func (e *Engine) ExtractURL(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", extractionErr(raw, "invalid URL", err)
	}

	if export, kind, ok := GoogleExportURL(u); ok {
		body, err := fetchExport(ctx, e.client, export, e.opts.MaxFileSize)
		if err != nil {
			return "", err
		}
		if kind == googleSheet {
			text, err := renderCSV(strings.NewReader(body))
			if err != nil {
				return "", extractionErr(raw, "could not parse sheet export", err)
			}
			return text, nil
		}
		return strings.TrimSpace(body), nil
	}

	return e.scraper.Crawl(ctx, raw)
}

// IsURL reports whether source is an http(s) URL.
func IsURL(source string) bool {
	lower := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
