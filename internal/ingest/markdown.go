package ingest

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"
)

// MarkdownExtractor handles .md and .markdown files.
type MarkdownExtractor struct{}

// CanHandle returns true for Markdown file extensions.
func (m *MarkdownExtractor) CanHandle(path string) bool {
	return hasExt(path, ".md", ".markdown")
}

// Extract strips front matter and Markdown syntax, keeping one line per
// header, paragraph line or list item. A front matter title becomes the
// first line.
func (m *MarkdownExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content, err := decodeText(data)
	if err != nil {
		return "", err
	}
	meta, body := stripFrontMatter(content)
	return markdownToText(body, meta["title"]), nil
}

// stripFrontMatter removes YAML front matter (--- delimited) from content.
// Returns the simple key: value pairs and the remaining body.
func stripFrontMatter(content string) (map[string]string, string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return nil, content
	}

	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, content
	}

	fm := strings.TrimSpace(rest[:idx])
	body := rest[idx+4:]

	metadata := make(map[string]string)
	for _, line := range strings.Split(fm, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.Trim(strings.TrimSpace(val), `"'`)
		if key != "" && val != "" {
			metadata[key] = val
		}
	}
	return metadata, body
}

var (
	headerRe   = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	listRe     = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	linkRe     = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	emphasisRe = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__|~~(.+?)~~|` + "`([^`]+)`")
	ruleRe     = regexp.MustCompile(`^(?:-{3,}|\*{3,}|_{3,})$`)
)

func markdownToText(body, title string) string {
	var lines []string
	if title != "" {
		lines = append(lines, title)
	}

	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || ruleRe.MatchString(line) || strings.HasPrefix(line, "```") {
			continue
		}
		if m := headerRe.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "> "))
		line = listRe.ReplaceAllString(line, "")
		line = linkRe.ReplaceAllString(line, "$1")
		line = emphasisRe.ReplaceAllString(line, "$1$2$3$4")
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
