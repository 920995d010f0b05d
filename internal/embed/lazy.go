package embed

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Lazy builds an Embedder on first use and remembers the outcome. Its
// Available method is the capability flag the rest of owlbee branches on.
type Lazy struct {
	once  sync.Once
	build func() (Embedder, error)
	log   zerolog.Logger

	emb Embedder
	err error
}

// NewLazy wraps a constructor. A nil build means embeddings are disabled.
func NewLazy(build func() (Embedder, error), log zerolog.Logger) *Lazy {
	return &Lazy{build: build, log: log}
}

// Static returns a holder around an already constructed embedder (nil
// means unavailable).
func Static(e Embedder) *Lazy {
	l := &Lazy{log: zerolog.Nop()}
	l.once.Do(func() {
		if e == nil {
			l.err = ErrUnavailable
			return
		}
		l.emb = e
	})
	return l
}

// FromConfig picks the local ONNX model or a remote client for cfg. A nil
// cfg disables embeddings.
func FromConfig(cfg *EmbedConfig, log zerolog.Logger) *Lazy {
	if cfg == nil {
		return NewLazy(nil, log)
	}
	return NewLazy(func() (Embedder, error) {
		if cfg.Provider == "local" {
			return NewONNX(cfg)
		}
		return NewClient(cfg)
	}, log)
}

// Get returns the embedder or an error wrapping ErrUnavailable.
func (l *Lazy) Get() (Embedder, error) {
	if l == nil {
		return nil, ErrUnavailable
	}
	l.once.Do(func() {
		if l.build == nil {
			l.err = ErrUnavailable
			return
		}
		emb, err := l.build()
		if err != nil {
			l.err = err
			if !errors.Is(err, ErrUnavailable) {
				l.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			l.log.Warn().Err(err).Msg("embeddings disabled, using lexical search")
			return
		}
		l.emb = emb
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.emb, nil
}

// Available reports whether an embedder could be built.
func (l *Lazy) Available() bool {
	_, err := l.Get()
	return err == nil
}

// Close releases a built embedder that holds native resources. It does not
// trigger a build.
func (l *Lazy) Close() error {
	if l == nil {
		return nil
	}
	done := false
	l.once.Do(func() {
		done = true
		l.err = ErrUnavailable
	})
	if done || l.emb == nil {
		return nil
	}
	if c, ok := l.emb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
