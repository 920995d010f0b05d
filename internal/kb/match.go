package kb

import (
	"sort"
	"strings"
	"unicode"
)

// MatchType distinguishes pattern and fact matches.
type MatchType string

const (
	MatchPattern MatchType = "qa_pattern"
	MatchFact    MatchType = "kb_fact"
)

// Result is one ranked knowledge base entry.
type Result struct {
	Type    MatchType  `json:"type"`
	Score   float64    `json:"score"`
	Trigger string     `json:"trigger,omitempty"` // best trigger, patterns only
	Pattern *QAPattern `json:"pattern,omitempty"`
	Fact    *Fact      `json:"fact,omitempty"`
	// Answer is the text this entry would reply with.
	Answer string `json:"answer"`
}

// Match ranks patterns and facts against query and returns the best topK.
//
// A trigger scores 1.0 when it and the query contain one another, 0.7 plus
// up to 0.3 when it shares at least 60% of the query's words, and the
// shared fraction of the longer side otherwise. Each pattern keeps its best
// trigger. A fact scores up to 0.5 for its title and up to 0.5 for the share
// of its keywords found in the query; facts at or below 0.1 are dropped.
func Match(query string, k *KnowledgeBase, topK int) []Result {
	if k == nil {
		return nil
	}
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}
	qSet := toSet(qTokens)
	qNorm := strings.Join(qTokens, " ")

	var out []Result
	for i := range k.Patterns {
		p := &k.Patterns[i]
		best, bestTrigger := 0.0, ""
		for _, t := range p.Triggers {
			if s := triggerScore(qNorm, qSet, t); s > best {
				best, bestTrigger = s, t
			}
		}
		if best > 0 {
			out = append(out, Result{Type: MatchPattern, Score: best, Trigger: bestTrigger, Pattern: p, Answer: k.patternAnswer(p)})
		}
	}

	for i := range k.Facts {
		f := &k.Facts[i]
		if s := factScore(qNorm, qSet, f); s > 0.1 {
			out = append(out, Result{Type: MatchFact, Score: s, Fact: f, Answer: f.AnswerLong})
		}
	}

	// Stable keeps patterns ahead of facts on ties, then source order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func triggerScore(qNorm string, qSet map[string]bool, trigger string) float64 {
	tTokens := tokenize(trigger)
	if len(tTokens) == 0 {
		return 0
	}
	tNorm := strings.Join(tTokens, " ")
	if containsPhrase(qNorm, tNorm) || containsPhrase(tNorm, qNorm) {
		return 1.0
	}

	tSet := toSet(tTokens)
	overlap := intersect(qSet, tSet)
	switch {
	case overlap == 0:
		return 0
	case float64(overlap) >= 0.6*float64(len(qSet)):
		return 0.7 + 0.3*float64(overlap)/float64(len(qSet))
	default:
		return float64(overlap) / float64(max(len(qSet), len(tSet)))
	}
}

func factScore(qNorm string, qSet map[string]bool, f *Fact) float64 {
	var score float64

	if tTokens := tokenize(f.Title); len(tTokens) > 0 {
		tNorm := strings.Join(tTokens, " ")
		if containsPhrase(qNorm, tNorm) || containsPhrase(tNorm, qNorm) {
			score += 0.5
		} else {
			score += 0.5 * float64(intersect(qSet, toSet(tTokens))) / float64(len(toSet(tTokens)))
		}
	}

	total, hits := 0, 0
	for _, kw := range f.Keywords {
		kwNorm := strings.Join(tokenize(kw), " ")
		if kwNorm == "" {
			continue
		}
		total++
		if containsPhrase(qNorm, kwNorm) {
			hits++
		}
	}
	if total > 0 {
		score += 0.5 * float64(hits) / float64(total)
	}
	return score
}

// patternAnswer prefers the inline response and falls back to the
// referenced fact.
func (k *KnowledgeBase) patternAnswer(p *QAPattern) string {
	if p.ResponseInline != "" {
		return p.ResponseInline
	}
	if f, ok := k.Fact(p.ResponseRef); ok {
		return f.AnswerLong
	}
	return ""
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether needle occurs in hay on word boundaries.
// Both sides are space-joined token strings.
func containsPhrase(hay, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(" "+hay+" ", " "+needle+" ")
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func intersect(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
