package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// CSVExtractor handles .csv and .tsv files.
type CSVExtractor struct{}

// CanHandle returns true for CSV/TSV file extensions.
func (c *CSVExtractor) CanHandle(path string) bool {
	return hasExt(path, ".csv", ".tsv")
}

// Extract renders the first row as headers and every other row as a
// record, the same way a single spreadsheet sheet is rendered.
func (c *CSVExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text, err := decodeText(data)
	if err != nil {
		return "", err
	}
	if hasExt(path, ".tsv") {
		return renderDelimited(strings.NewReader(text), '\t')
	}
	return renderCSV(strings.NewReader(text))
}

func renderCSV(r io.Reader) (string, error) {
	return renderDelimited(r, ',')
}

func renderDelimited(r io.Reader, comma rune) (string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parsing CSV: %w", err)
	}
	return renderTable(rows), nil
}

// renderTable turns a header row plus data rows into a JSON record list
// followed by a "Row N: header: value, ..." listing. Columns without a
// header and rows with no values are dropped.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	type column struct {
		idx  int
		name string
	}
	var cols []column
	for i, h := range rows[0] {
		if h = strings.TrimSpace(h); h != "" {
			cols = append(cols, column{idx: i, name: h})
		}
	}
	if len(cols) == 0 {
		return ""
	}

	var (
		records bytes.Buffer
		listing []string
		n       int
	)
	records.WriteString("[")
	for _, row := range rows[1:] {
		vals := make([]string, len(cols))
		empty := true
		for i, c := range cols {
			if c.idx < len(row) {
				vals[i] = strings.TrimSpace(row[c.idx])
			}
			if vals[i] != "" {
				empty = false
			}
		}
		if empty {
			continue
		}

		n++
		if n > 1 {
			records.WriteString(",")
		}
		records.WriteString("\n  {")
		var parts []string
		for i, c := range cols {
			if i > 0 {
				records.WriteString(", ")
			}
			k, _ := json.Marshal(c.name)
			v, _ := json.Marshal(vals[i])
			records.Write(k)
			records.WriteString(": ")
			records.Write(v)
			if vals[i] != "" {
				parts = append(parts, c.name+": "+vals[i])
			}
		}
		records.WriteString("}")
		listing = append(listing, fmt.Sprintf("Row %d: %s", n, strings.Join(parts, ", ")))
	}
	if n == 0 {
		return ""
	}
	records.WriteString("\n]")

	return records.String() + "\n\n" + strings.Join(listing, "\n")
}
