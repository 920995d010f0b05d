package search

import (
	"strings"
	"unicode/utf8"
)

// Lexical scores passages by word overlap. Each passage gets
//
//	overlap + 0.5*partial + 0.3*substring
//	-------------------------------------
//	   |query| + |passage| - overlap + 1
//
// where partial counts word pairs with one inside the other and substring
// counts query words found anywhere in the passage (both only for query
// words longer than 3 characters). A verbatim query inside the passage
// multiplies the score by 1.5; scores are capped at 1.0.
//
// When nothing scores, a lenient pass gives a flat 0.2 to every passage
// containing any query word longer than 2 characters.
func Lexical(passages []string, query string, topK int) ([]Result, Method) {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	qWords := wordSet(queryLower)
	if len(qWords) == 0 {
		return nil, MethodLexical
	}

	var results []Result
	for i, p := range passages {
		if score := lexicalScore(qWords, queryLower, strings.ToLower(p)); score > 0 {
			results = append(results, Result{Content: p, Similarity: score, Index: i})
		}
	}

	method := MethodLexical
	if len(results) == 0 {
		method = MethodLenient
		results = lenient(passages, qWords)
	}

	sortResults(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, method
}

func lexicalScore(qWords map[string]struct{}, queryLower, passageLower string) float64 {
	sWords := wordSet(passageLower)

	overlap := 0
	for w := range qWords {
		if _, ok := sWords[w]; ok {
			overlap++
		}
	}

	var partial, substring float64
	for q := range qWords {
		if utf8.RuneCountInString(q) <= 3 {
			continue
		}
		for s := range sWords {
			if strings.Contains(s, q) || strings.Contains(q, s) {
				partial += 0.5
			}
		}
		if strings.Contains(passageLower, q) {
			substring += 0.3
		}
	}

	total := float64(overlap) + partial + substring
	if total == 0 {
		return 0
	}

	score := total / float64(len(qWords)+len(sWords)-overlap+1)
	if strings.Contains(passageLower, queryLower) {
		score *= 1.5
	}
	return min(score, 1.0)
}

func lenient(passages []string, qWords map[string]struct{}) []Result {
	var out []Result
	for i, p := range passages {
		lower := strings.ToLower(p)
		for w := range qWords {
			if utf8.RuneCountInString(w) > 2 && strings.Contains(lower, w) {
				out = append(out, Result{Content: p, Similarity: 0.2, Index: i})
				break
			}
		}
	}
	return out
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
