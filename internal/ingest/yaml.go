package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLExtractor handles .yaml and .yml files.
type YAMLExtractor struct{}

// CanHandle returns true for YAML file extensions.
func (y *YAMLExtractor) CanHandle(path string) bool {
	return hasExt(path, ".yaml", ".yml")
}

// Extract renders every document like JSON, in source key order.
// Multi-document files are separated by a blank line.
func (y *YAMLExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []string
	for n := 1; ; n++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("invalid YAML (document %d): %w", n, err)
		}
		if text := renderValue(fromYAML(&node)); strings.TrimSpace(text) != "" {
			docs = append(docs, text)
		}
	}
	return strings.Join(docs, "\n\n"), nil
}

func fromYAML(n *yaml.Node) value {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return value{}
		}
		return fromYAML(n.Content[0])
	case yaml.AliasNode:
		if n.Alias != nil {
			return fromYAML(n.Alias)
		}
		return value{}
	case yaml.MappingNode:
		v := value{kind: kindObject}
		for i := 0; i+1 < len(n.Content); i += 2 {
			v.fields = append(v.fields, field{key: n.Content[i].Value, val: fromYAML(n.Content[i+1])})
		}
		return v
	case yaml.SequenceNode:
		v := value{kind: kindArray}
		for _, c := range n.Content {
			v.items = append(v.items, fromYAML(c))
		}
		return v
	default:
		return value{scalar: n.Value}
	}
}
