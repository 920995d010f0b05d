package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor handles .pdf files.
type PDFExtractor struct{}

// CanHandle returns true for PDF files.
func (p *PDFExtractor) CanHandle(path string) bool {
	return hasExt(path, ".pdf")
}

// Extract joins the plain text of every page with newlines, in page order.
// Pages without a text layer contribute nothing.
func (p *PDFExtractor) Extract(ctx context.Context, path string) (text string, err error) {
	// The PDF reader panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var pages []string
	for n := 1; n <= r.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("reading page %d: %w", n, err)
		}
		pages = append(pages, strings.TrimSpace(content))
	}
	return strings.Join(pages, "\n"), nil
}
