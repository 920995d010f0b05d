package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hurttlocker/owlbee/internal/embed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vocab = []string{"our", "support", "team", "is", "available", "monday", "through", "friday", "refund", "policy", "shipping", "free"}

// bagEmbedder embeds text as word counts over a fixed vocabulary.
type bagEmbedder struct {
	dims int
	err  error
}

func (b bagEmbedder) vec(text string) []float32 {
	n := len(vocab)
	if b.dims > 0 {
		n = b.dims
	}
	v := make([]float32, n)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, voc := range vocab {
			if voc == w && i < n {
				v[i]++
			}
		}
	}
	return v
}

func (b bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.vec(text), nil
}

func (b bagEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vec(t)
	}
	return out, nil
}

func (b bagEmbedder) Dimensions() int { return len(vocab) }

func corpusWith(e bagEmbedder, passages ...string) Corpus {
	c := Corpus{Passages: passages}
	c.Embeddings, _ = e.EmbedBatch(context.Background(), passages)
	return c
}

var hours = []string{
	"Shipping is free on orders over fifty dollars",
	"Our support team is available Monday through Friday",
	"Refunds are processed within five business days",
}

func TestVerbatimPhraseBothPaths(t *testing.T) {
	query := "support team is available Monday through Friday"

	t.Run("embedding", func(t *testing.T) {
		s := New(embed.Static(bagEmbedder{}), Options{}, zerolog.Nop())
		got, method := s.Search(context.Background(), corpusWith(bagEmbedder{}, hours...), query, 1)
		require.Len(t, got, 1)
		assert.Equal(t, MethodEmbedding, method)
		assert.Equal(t, 1, got[0].Index)
		assert.GreaterOrEqual(t, got[0].Similarity, 0.8)
	})

	t.Run("lexical", func(t *testing.T) {
		s := New(nil, Options{}, zerolog.Nop())
		got, method := s.Search(context.Background(), Corpus{Passages: hours}, query, 1)
		require.Len(t, got, 1)
		assert.Equal(t, MethodLexical, method)
		assert.Equal(t, 1, got[0].Index)
		assert.Equal(t, 1.0, got[0].Similarity)
	})
}

func TestLexicalRefundPolicy(t *testing.T) {
	passages := []string{"What is your refund policy", "We offer a 30-day money-back guarantee"}
	got, method := Lexical(passages, "refund policy", 1)
	require.Len(t, got, 1)
	assert.Equal(t, MethodLexical, method)
	assert.Equal(t, 0, got[0].Index)
	// (2 overlap + 1.0 partial + 0.6 substring) / 6, boosted 1.5x for the verbatim phrase
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-9)
}

func TestLexicalLenientPass(t *testing.T) {
	passages := []string{"Coffee is served all day", "Parking is nearby"}
	got, method := Lexical(passages, "fee", 5)
	require.Len(t, got, 1)
	assert.Equal(t, MethodLenient, method)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 0.2, got[0].Similarity)

	got, _ = Lexical(passages, "zz", 5)
	assert.Empty(t, got)

	got, _ = Lexical(passages, "   ", 5)
	assert.Empty(t, got)
}

func TestLexicalOrdersAndTruncates(t *testing.T) {
	passages := []string{
		"Shipping rates depend on weight",
		"Free shipping on all orders",
		"Shipping is free for members and free shipping applies worldwide",
	}
	got, _ := Lexical(passages, "free shipping", 2)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)
	assert.Equal(t, 1, got[0].Index)
}

func TestSearchFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		lazy   *embed.Lazy
		reason string
	}{
		{"unavailable", embed.Static(nil), "unavailable"},
		{"query error", embed.Static(bagEmbedder{err: errors.New("timeout")}), "error"},
		{"dimension mismatch", embed.Static(bagEmbedder{dims: 3}), "dimension_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reasons []string
			s := New(tt.lazy, Options{OnFallback: func(r string) { reasons = append(reasons, r) }}, zerolog.Nop())
			got, method := s.Search(context.Background(), corpusWith(bagEmbedder{}, hours...), "free shipping", 3)
			assert.Equal(t, MethodLexical, method)
			require.NotEmpty(t, got)
			assert.Equal(t, 0, got[0].Index)
			assert.Equal(t, []string{tt.reason}, reasons)
		})
	}
}

func TestSearchWithoutEmbeddingsSkipsHook(t *testing.T) {
	called := false
	s := New(embed.Static(bagEmbedder{}), Options{OnFallback: func(string) { called = true }}, zerolog.Nop())
	_, method := s.Search(context.Background(), Corpus{Passages: hours}, "refund", 3)
	assert.Equal(t, MethodLexical, method)
	assert.False(t, called)
}

func TestEmbeddingFloor(t *testing.T) {
	s := New(embed.Static(bagEmbedder{}), Options{Floor: 0.1}, zerolog.Nop())
	got, method := s.Search(context.Background(), corpusWith(bagEmbedder{}, hours...), "refund policy", 3)
	assert.Equal(t, MethodEmbedding, method)
	// "Refunds" is not the vocabulary word "refund", so nothing clears the floor.
	assert.Empty(t, got)
}

func TestCorpusNeighbors(t *testing.T) {
	c := Corpus{Passages: []string{"a0", "a1", "a2", "a3", "a4"}}

	p, ok := c.Passage(2)
	assert.True(t, ok)
	assert.Equal(t, "a2", p)
	_, ok = c.Passage(5)
	assert.False(t, ok)

	around := c.Around(1, 2)
	require.Len(t, around, 4)
	assert.Equal(t, 0, around[0].Index)
	assert.Equal(t, 3, around[3].Index)
	assert.Nil(t, c.Around(-1, 2))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
}
