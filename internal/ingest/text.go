package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// PlainTextExtractor handles .txt and .log files.
type PlainTextExtractor struct{}

// CanHandle returns true for plain text extensions.
func (t *PlainTextExtractor) CanHandle(path string) bool {
	return hasExt(path, ".txt", ".log", ".text")
}

// Extract reads the file as UTF-8, falling back to Windows-1252 for legacy
// encodings.
func (t *PlainTextExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(data)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText returns UTF-8 text. Bytes that are not valid UTF-8 are read as
// Windows-1252, a superset of Latin-1 for printable characters.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return normalizeNewlines(string(data)), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decoding legacy text: %w", err)
	}
	return normalizeNewlines(string(decoded)), nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
