package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hurttlocker/owlbee/internal/llm"
	"github.com/rs/zerolog"
)

const generatePrompt = `You convert business documents into a structured knowledge base for a customer-facing chatbot.

RULES:
1. Use ONLY information explicitly stated in the DOCUMENT. Never invent products, prices, policies, people or links.
2. Never copy the placeholder values from the schema below. If the document does not mention something, leave the field empty or the list empty.
3. Keep exact figures, prices, dates and names as written in the document (e.g. "$10/month").
4. Every kb_facts entry covers one topic. keywords are short lowercase words or phrases a customer would type, including product names and price or plan words where relevant.
5. Every qa_patterns entry lists several natural phrasings of one customer question in triggers. response_inline answers it in one or two sentences; response_ref may name the id of the kb_facts entry it relies on.
6. Return ONLY the JSON object. No markdown, no commentary.

JSON SCHEMA:
{
  "brand": {"name": "<brand name>", "mission": "<one sentence>", "target_audience": "<who it serves>"},
  "routing_hints": {"global_keywords": ["<keyword>"], "urls": {"<page name>": "<path or url>"}},
  "kb_facts": [
    {"id": "<snake_case_id>", "title": "<topic>", "keywords": ["<keyword>"], "answer_short": "<one sentence>", "answer_long": "<full answer with details>"}
  ],
  "qa_patterns": [
    {"intent_id": "<snake_case_intent>", "triggers": ["<question phrasing>"], "response_inline": "<answer>", "response_ref": "<kb_facts id or empty>"}
  ]
}`

// GenerationError reports a failed knowledge base generation. Callers may
// fall back to passage indexing.
type GenerationError struct {
	Stage string // "llm", "parse" or "validate"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("knowledge base generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator builds knowledge bases with a language model.
type Generator struct {
	llm      llm.Provider
	maxChars int
	log      zerolog.Logger
}

// NewGenerator creates a Generator. maxChars caps the document text sent
// to the model (default: 60000).
func NewGenerator(p llm.Provider, maxChars int, log zerolog.Logger) *Generator {
	if maxChars <= 0 {
		maxChars = 60000
	}
	return &Generator{llm: p, maxChars: maxChars, log: log}
}

// Generate converts document text into a KnowledgeBase. Any model error,
// unparseable output or empty result is a *GenerationError.
func (g *Generator) Generate(ctx context.Context, text string, meta Metadata) (*KnowledgeBase, error) {
	if g.llm == nil {
		return nil, &GenerationError{Stage: "llm", Err: errors.New("no language model configured")}
	}

	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > g.maxChars {
		g.log.Warn().Int("chars", len(r)).Int("limit", g.maxChars).Msg("document text truncated for knowledge base generation")
		text = string(r[:g.maxChars])
	}

	prompt := fmt.Sprintf("CHATBOT NAME: %s\nCHATBOT DESCRIPTION: %s\n\nDOCUMENT:\n---\n%s\n---\n\nReturn the knowledge base JSON.",
		orNone(meta.Name), orNone(meta.Description), text)

	resp, err := g.llm.Complete(ctx, prompt, llm.CompletionOpts{
		System:      generatePrompt,
		Temperature: 0.1,
		Format:      "json",
	})
	if err != nil {
		return nil, &GenerationError{Stage: "llm", Err: err}
	}

	kb, err := Parse(resp)
	if err != nil {
		return nil, &GenerationError{Stage: "parse", Err: err}
	}
	kb.Normalize(meta)
	if kb.Empty() {
		return nil, &GenerationError{Stage: "validate", Err: errors.New("model returned no facts or patterns")}
	}

	g.log.Info().Str("model", g.llm.Name()).Int("facts", len(kb.Facts)).Int("patterns", len(kb.Patterns)).
		Msg("knowledge base generated")
	return kb, nil
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// Parse decodes a model response, tolerating a markdown code fence.
func Parse(resp string) (*KnowledgeBase, error) {
	resp = strings.TrimSpace(resp)
	if m := fenceRe.FindStringSubmatch(resp); m != nil {
		resp = m[1]
	}
	if resp == "" {
		return nil, errors.New("empty response")
	}

	var kb KnowledgeBase
	dec := json.NewDecoder(strings.NewReader(resp))
	if err := dec.Decode(&kb); err != nil {
		return nil, fmt.Errorf("decoding knowledge base JSON: %w", err)
	}
	return &kb, nil
}

func orNone(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "(not provided)"
	}
	return s
}
