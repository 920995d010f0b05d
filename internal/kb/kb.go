// Package kb holds the structured knowledge base representation of a
// chatbot: brand details, facts and ready-made question/answer patterns.
// The Generator builds one from document text with a language model and
// Match ranks its entries against a user message.
package kb

import (
	"fmt"
	"strings"
)

// KnowledgeBase is the persisted structured representation.
type KnowledgeBase struct {
	Brand        Brand        `json:"brand"`
	RoutingHints RoutingHints `json:"routing_hints"`
	Facts        []Fact       `json:"kb_facts"`
	Patterns     []QAPattern  `json:"qa_patterns"`
}

// Brand describes who the chatbot speaks for.
type Brand struct {
	Name           string `json:"name"`
	Mission        string `json:"mission"`
	TargetAudience string `json:"target_audience"`
}

// RoutingHints are coarse topic keywords and named links.
type RoutingHints struct {
	GlobalKeywords []string          `json:"global_keywords"`
	URLs           map[string]string `json:"urls"`
}

// Fact is one topic with a short and a long answer.
type Fact struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Keywords    []string `json:"keywords"`
	AnswerShort string   `json:"answer_short"`
	AnswerLong  string   `json:"answer_long"`
}

// QAPattern maps trigger phrasings to a response. ResponseRef, when set,
// names a Fact whose answer backs the pattern.
type QAPattern struct {
	IntentID       string   `json:"intent_id"`
	Triggers       []string `json:"triggers"`
	ResponseInline string   `json:"response_inline"`
	ResponseRef    string   `json:"response_ref,omitempty"`
}

// Metadata is the chatbot information sent along with document text.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Empty reports whether the knowledge base has nothing to answer from.
func (k *KnowledgeBase) Empty() bool {
	return k == nil || (len(k.Facts) == 0 && len(k.Patterns) == 0)
}

// Fact returns the fact with the given id.
func (k *KnowledgeBase) Fact(id string) (*Fact, bool) {
	for i := range k.Facts {
		if k.Facts[i].ID == id {
			return &k.Facts[i], true
		}
	}
	return nil, false
}

// Normalize trims text, lowercases and de-duplicates keywords, fills
// missing ids, makes ids unique and drops dangling response references.
func (k *KnowledgeBase) Normalize(meta Metadata) {
	k.Brand.Name = strings.TrimSpace(k.Brand.Name)
	if k.Brand.Name == "" {
		k.Brand.Name = strings.TrimSpace(meta.Name)
	}
	k.Brand.Mission = strings.TrimSpace(k.Brand.Mission)
	if k.Brand.Mission == "" {
		k.Brand.Mission = strings.TrimSpace(meta.Description)
	}
	k.Brand.TargetAudience = strings.TrimSpace(k.Brand.TargetAudience)
	k.RoutingHints.GlobalKeywords = dedupeLower(k.RoutingHints.GlobalKeywords)
	if k.RoutingHints.URLs == nil {
		k.RoutingHints.URLs = map[string]string{}
	}

	facts := k.Facts[:0]
	seen := map[string]int{}
	for _, f := range k.Facts {
		f.Title = strings.TrimSpace(f.Title)
		f.AnswerShort = strings.TrimSpace(f.AnswerShort)
		f.AnswerLong = strings.TrimSpace(f.AnswerLong)
		if f.Title == "" && f.AnswerShort == "" && f.AnswerLong == "" {
			continue
		}
		if f.AnswerLong == "" {
			f.AnswerLong = f.AnswerShort
		}
		if f.AnswerShort == "" {
			f.AnswerShort = f.AnswerLong
		}
		f.Keywords = dedupeLower(f.Keywords)
		f.ID = uniqueID(strings.TrimSpace(f.ID), "fact", len(facts)+1, seen)
		facts = append(facts, f)
	}
	k.Facts = facts

	patterns := k.Patterns[:0]
	seen = map[string]int{}
	for _, p := range k.Patterns {
		var triggers []string
		for _, t := range p.Triggers {
			if t = strings.TrimSpace(t); t != "" {
				triggers = append(triggers, t)
			}
		}
		p.Triggers = triggers
		p.ResponseInline = strings.TrimSpace(p.ResponseInline)
		p.ResponseRef = strings.TrimSpace(p.ResponseRef)
		if p.ResponseRef != "" {
			if _, ok := k.Fact(p.ResponseRef); !ok {
				p.ResponseRef = ""
			}
		}
		if len(p.Triggers) == 0 || (p.ResponseInline == "" && p.ResponseRef == "") {
			continue
		}
		p.IntentID = uniqueID(strings.TrimSpace(p.IntentID), "intent", len(patterns)+1, seen)
		patterns = append(patterns, p)
	}
	k.Patterns = patterns
}

// uniqueID fills a blank id with prefix_N and suffixes repeats with _2, _3...
func uniqueID(id, prefix string, n int, seen map[string]int) string {
	if id == "" {
		id = fmt.Sprintf("%s_%d", prefix, n)
	}
	base := id
	for seen[id] > 0 {
		seen[base]++
		id = fmt.Sprintf("%s_%d", base, seen[base])
	}
	seen[id]++
	return id
}

func dedupeLower(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
