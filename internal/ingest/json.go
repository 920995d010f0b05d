package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// JSONExtractor handles .json files.
type JSONExtractor struct{}

// CanHandle returns true for JSON file extensions.
func (j *JSONExtractor) CanHandle(path string) bool {
	return hasExt(path, ".json")
}

// Extract flattens the document into indented "key: value" lines, keeping
// the key order of the source.
func (j *JSONExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}
	root, err := parseJSON(data)
	if err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	return renderValue(root), nil
}

// value is a decoded document that remembers object key order.
type value struct {
	fields []field // object
	items  []value // array
	scalar string
	kind   valueKind
}

type field struct {
	key string
	val value
}

type valueKind int

const (
	kindScalar valueKind = iota
	kindObject
	kindArray
)

func parseJSON(data []byte) (value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return value{}, fmt.Errorf("trailing data after top-level value")
	}
	return v, nil
}

func decodeJSONValue(dec *json.Decoder) (value, error) {
	tok, err := dec.Token()
	if err != nil {
		return value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v := value{kind: kindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return value{}, err
				}
				key, _ := keyTok.(string)
				child, err := decodeJSONValue(dec)
				if err != nil {
					return value{}, err
				}
				v.fields = append(v.fields, field{key: key, val: child})
			}
			if _, err := dec.Token(); err != nil { // closing }
				return value{}, err
			}
			return v, nil
		case '[':
			v := value{kind: kindArray}
			for dec.More() {
				child, err := decodeJSONValue(dec)
				if err != nil {
					return value{}, err
				}
				v.items = append(v.items, child)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return value{}, err
			}
			return v, nil
		}
		return value{}, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return value{scalar: t}, nil
	case json.Number:
		return value{scalar: t.String()}, nil
	case bool:
		return value{scalar: strconv.FormatBool(t)}, nil
	case nil:
		return value{scalar: "null"}, nil
	default:
		return value{scalar: fmt.Sprint(t)}, nil
	}
}

// renderValue writes objects as "key: value" lines, arrays of scalars as
// "- item" lines and arrays of containers as numbered "Item N:" blocks,
// indenting two spaces per level.
func renderValue(v value) string {
	var b strings.Builder
	writeValue(&b, v, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeValue(b *strings.Builder, v value, depth int) {
	indent := strings.Repeat("  ", depth)
	switch v.kind {
	case kindScalar:
		fmt.Fprintf(b, "%s%s\n", indent, v.scalar)
	case kindObject:
		for _, f := range v.fields {
			if f.val.kind == kindScalar {
				fmt.Fprintf(b, "%s%s: %s\n", indent, f.key, f.val.scalar)
				continue
			}
			fmt.Fprintf(b, "%s%s:\n", indent, f.key)
			writeValue(b, f.val, depth+1)
		}
	case kindArray:
		for i, item := range v.items {
			if item.kind == kindScalar {
				fmt.Fprintf(b, "%s- %s\n", indent, item.scalar)
				continue
			}
			fmt.Fprintf(b, "%sItem %d:\n", indent, i+1)
			writeValue(b, item, depth+1)
		}
	}
}
