package index

import (
	"context"
	"errors"
	"testing"

	"github.com/hurttlocker/owlbee/internal/embed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	failOn int // batch number that fails, 0 for never
	short  bool
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failOn == f.calls {
		return nil, errors.New("upstream 500")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
		if f.short && i == 0 && f.calls == 2 {
			out[i] = []float32{1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

var passages = []string{"alpha passage", "beta", "gamma passage three", "delta", "epsilon"}

func TestBuildEmbedsInOrder(t *testing.T) {
	fe := &fakeEmbedder{}
	b := NewBuilder(embed.Static(fe), zerolog.Nop())

	var progress []int
	res, err := b.Build(context.Background(), passages, Options{BatchSize: 2, ProgressFn: func(cur, _ int) {
		progress = append(progress, cur)
	}})
	require.NoError(t, err)
	require.Len(t, res.Embeddings, len(passages))
	for i, p := range passages {
		assert.Equal(t, float32(len(p)), res.Embeddings[i][0])
	}
	assert.Equal(t, 3, fe.calls)
	assert.Equal(t, []int{2, 4, 5}, progress)
	assert.Empty(t, res.Degraded)
}

func TestBuildWithoutEmbedder(t *testing.T) {
	b := NewBuilder(embed.Static(nil), zerolog.Nop())
	res, err := b.Build(context.Background(), passages, Options{})
	require.NoError(t, err)
	assert.Equal(t, passages, res.Passages)
	assert.Nil(t, res.Embeddings)
	assert.Empty(t, res.Degraded)

	res, err = NewBuilder(nil, zerolog.Nop()).Build(context.Background(), passages, Options{})
	require.NoError(t, err)
	assert.Nil(t, res.Embeddings)
}

func TestBuildDegradesOnBatchFailure(t *testing.T) {
	b := NewBuilder(embed.Static(&fakeEmbedder{failOn: 2}), zerolog.Nop())
	res, err := b.Build(context.Background(), passages, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Nil(t, res.Embeddings)
	assert.Contains(t, res.Degraded, "upstream 500")
	assert.Equal(t, passages, res.Passages)
}

func TestBuildDegradesOnDimensionMismatch(t *testing.T) {
	b := NewBuilder(embed.Static(&fakeEmbedder{short: true}), zerolog.Nop())
	res, err := b.Build(context.Background(), passages, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Nil(t, res.Embeddings)
	assert.Contains(t, res.Degraded, "dimensions")
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(embed.Static(&fakeEmbedder{}), zerolog.Nop())
	_, err := b.Build(ctx, passages, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
