// Package index builds the passage embedding index for a chatbot.
package index

import (
	"context"
	"fmt"

	"github.com/hurttlocker/owlbee/internal/embed"
	"github.com/rs/zerolog"
)

// Options configures a build.
type Options struct {
	BatchSize  int                      // passages per embedding call (default: 32)
	ProgressFn func(current, total int) // optional progress callback
}

// Result is the parallel passage/vector arrays ready for persistence.
// Embeddings is nil when no model was available or embedding failed.
type Result struct {
	Passages   []string
	Embeddings [][]float32
	// Degraded explains why Embeddings is nil despite a model being
	// available. Empty when embeddings are present or were never possible.
	Degraded string
}

// Builder embeds passages with the process-wide embedder.
type Builder struct {
	embedder *embed.Lazy
	log      zerolog.Logger
}

// NewBuilder creates a Builder. A nil or unavailable embedder yields
// passage-only indexes.
func NewBuilder(e *embed.Lazy, log zerolog.Logger) *Builder {
	return &Builder{embedder: e, log: log}
}

// Build embeds passages in order. Embedding problems degrade the result to
// Embeddings == nil instead of failing; only cancellation is an error.
func (b *Builder) Build(ctx context.Context, passages []string, opts Options) (*Result, error) {
	res := &Result{Passages: passages}

	emb, err := b.embedder.Get()
	if err != nil || len(passages) == 0 {
		return res, nil
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	vectors := make([][]float32, 0, len(passages))
	for i := 0; i < len(passages); i += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+batchSize, len(passages))

		batch, err := emb.EmbedBatch(ctx, passages[i:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return b.degrade(res, fmt.Sprintf("batch %d-%d: %v", i, end, err)), nil
		}
		if len(batch) != end-i {
			return b.degrade(res, fmt.Sprintf("batch %d-%d: expected %d vectors, got %d", i, end, end-i, len(batch))), nil
		}
		vectors = append(vectors, batch...)

		if opts.ProgressFn != nil {
			opts.ProgressFn(end, len(passages))
		}
	}

	if reason := checkVectors(vectors); reason != "" {
		return b.degrade(res, reason), nil
	}
	res.Embeddings = vectors
	return res, nil
}

func (b *Builder) degrade(res *Result, reason string) *Result {
	b.log.Warn().Str("reason", reason).Int("passages", len(res.Passages)).
		Msg("embedding failed, index will use lexical search")
	res.Embeddings = nil
	res.Degraded = reason
	return res
}

// checkVectors enforces one non-empty vector per passage, all the same width.
func checkVectors(vectors [][]float32) string {
	if len(vectors) == 0 {
		return "no vectors"
	}
	dims := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Sprintf("passage %d has no vector", i)
		}
		if len(v) != dims {
			return fmt.Sprintf("passage %d has %d dimensions, expected %d", i, len(v), dims)
		}
	}
	return ""
}
