package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor handles Excel workbooks.
type XLSXExtractor struct{}

// CanHandle returns true for .xlsx and .xlsm files.
func (x *XLSXExtractor) CanHandle(path string) bool {
	return hasExt(path, ".xlsx", ".xlsm")
}

// Extract renders every worksheet under a "=== Sheet: NAME ===" banner.
// Sheets are separated by a blank line.
func (x *XLSXExtractor) Extract(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("reading sheet %q: %w", name, err)
		}
		body := renderTable(rows)
		if body == "" {
			continue
		}
		sheets = append(sheets, fmt.Sprintf("=== Sheet: %s ===\n%s", name, body))
	}
	return strings.Join(sheets, "\n\n"), nil
}
