// Package search finds the passages of a trained chatbot that best match a
// user message.
//
// Two scoring paths:
// - Cosine similarity over stored passage embeddings, when the chatbot was
//   indexed with embeddings and the same embedder is available at query time
// - Lexical overlap scoring (lexical.go), used whenever the embedding path
//   cannot run or fails
//
// Result.Index always refers to the passage position in the stored order so
// callers can look up neighbouring passages.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/hurttlocker/owlbee/internal/embed"
	"github.com/rs/zerolog"
)

// Result is one matched passage.
type Result struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Index      int     `json:"index"`
}

// Method names the scoring path that produced a result set.
type Method string

const (
	MethodEmbedding Method = "embedding"
	MethodLexical   Method = "lexical"
	MethodLenient   Method = "lenient"
)

// Corpus is a chatbot's stored passages with optional parallel embeddings.
type Corpus struct {
	Passages   []string
	Embeddings [][]float32
}

// Passage returns the passage at index i.
func (c Corpus) Passage(i int) (string, bool) {
	if i < 0 || i >= len(c.Passages) {
		return "", false
	}
	return c.Passages[i], true
}

// Around returns up to n passages on each side of index i, including i.
func (c Corpus) Around(i, n int) []Result {
	if i < 0 || i >= len(c.Passages) {
		return nil
	}
	lo, hi := max(0, i-n), min(len(c.Passages)-1, i+n)
	out := make([]Result, 0, hi-lo+1)
	for j := lo; j <= hi; j++ {
		out = append(out, Result{Content: c.Passages[j], Index: j})
	}
	return out
}

func (c Corpus) hasEmbeddings() bool {
	return len(c.Embeddings) > 0 && len(c.Embeddings) == len(c.Passages)
}

// Options configures a Searcher.
type Options struct {
	// Floor discards embedding matches at or below this similarity (default: 0.1).
	Floor float64
	// OnFallback is called with a reason whenever the lexical path is used
	// although embeddings were stored.
	OnFallback func(reason string)
}

// Searcher scores queries against a Corpus.
type Searcher struct {
	embedder *embed.Lazy
	opts     Options
	log      zerolog.Logger
}

// New creates a Searcher. The embedder may be nil.
func New(e *embed.Lazy, opts Options, log zerolog.Logger) *Searcher {
	if opts.Floor <= 0 {
		opts.Floor = 0.1
	}
	return &Searcher{embedder: e, opts: opts, log: log}
}

// Search returns up to topK passages by descending similarity. It never
// fails: embedding problems fall through to lexical scoring, and an empty
// result means nothing matched.
func (s *Searcher) Search(ctx context.Context, c Corpus, query string, topK int) ([]Result, Method) {
	if topK <= 0 {
		topK = 5
	}
	if len(c.Passages) == 0 {
		return nil, MethodLexical
	}

	if c.hasEmbeddings() {
		results, reason := s.searchEmbeddings(ctx, c, query, topK)
		if reason == "" {
			return results, MethodEmbedding
		}
		s.log.Debug().Str("reason", reason).Msg("embedding search unavailable, using lexical")
		if s.opts.OnFallback != nil {
			s.opts.OnFallback(reason)
		}
	}

	return Lexical(c.Passages, query, topK)
}

// searchEmbeddings returns a non-empty reason when the embedding path
// could not run.
func (s *Searcher) searchEmbeddings(ctx context.Context, c Corpus, query string, topK int) ([]Result, string) {
	emb, err := s.embedder.Get()
	if err != nil {
		return nil, "unavailable"
	}
	qv, err := emb.Embed(ctx, query)
	if err != nil {
		s.log.Warn().Err(err).Msg("query embedding failed")
		return nil, "error"
	}
	if len(qv) != len(c.Embeddings[0]) {
		return nil, "dimension_mismatch"
	}

	scored := make([]Result, 0, len(c.Passages))
	for i, v := range c.Embeddings {
		scored = append(scored, Result{Content: c.Passages[i], Similarity: Cosine(qv, v), Index: i})
	}
	sortResults(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}

	out := scored[:0]
	for _, r := range scored {
		if r.Similarity > s.opts.Floor {
			out = append(out, r)
		}
	}
	return out, ""
}

// Cosine computes cosine similarity; mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// sortResults orders by similarity descending, then by index.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Similarity != rs[j].Similarity {
			return rs[i].Similarity > rs[j].Similarity
		}
		return rs[i].Index < rs[j].Index
	})
}
