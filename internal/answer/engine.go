// Package answer is owlbee's entry point: Train turns document text into a
// per-chatbot store, Answer replies to a visitor message from that store.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/index"
	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/llm"
	"github.com/hurttlocker/owlbee/internal/logging"
	"github.com/hurttlocker/owlbee/internal/metrics"
	"github.com/hurttlocker/owlbee/internal/respond"
	"github.com/hurttlocker/owlbee/internal/search"
	"github.com/hurttlocker/owlbee/internal/segment"
	"github.com/hurttlocker/owlbee/internal/store"
)

// Mode selects the training path.
type Mode string

const (
	ModeAuto   Mode = "auto"   // knowledge base when a model is configured, passages otherwise or on failure
	ModeKB     Mode = "kb"     // knowledge base only
	ModeLegacy Mode = "legacy" // passages only
)

// ParseMode accepts "", auto, kb and legacy.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeKB, ModeLegacy:
		return m, nil
	default:
		return "", fmt.Errorf("unknown training mode %q (expected auto, kb or legacy)", s)
	}
}

// Extractor turns a file path or URL into text.
type Extractor interface {
	Extract(ctx context.Context, source string) (string, error)
}

// Deps are the collaborators of an Engine. Generator, LLM, Extractor and
// Metrics may be nil.
type Deps struct {
	Store     store.Backend
	Index     *index.Builder
	Searcher  *search.Searcher
	Generator *kb.Generator
	Selector  *respond.Selector
	LLM       llm.Provider
	Extractor Extractor
	Metrics   *metrics.Metrics
}

// Options are engine-wide tunables. Zero fields take defaults.
type Options struct {
	TopK            int     // passages or KB entries considered per answer (default: 5)
	ContextFloor    float64 // minimum relevance for LLM context (default: 0.1)
	KBFloor         float64 // minimum KB match score answered directly (default: 0.15)
	MaxContextChars int     // LLM context cap (default: 2000)
	PromptTemplate  string  // {base_prompt} and {context_text} placeholders
	DefaultMode     Mode
	BatchSize       int
	Segment         segment.Options
	// LogConversations records every answer in the store's conversation log.
	LogConversations bool
	Now              func() time.Time
	NewID            func() string
}

type Engine struct {
	deps  Deps
	opts  Options
	log   zerolog.Logger
	locks keyedMutex
}

func New(deps Deps, opts Options, log zerolog.Logger) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("answer engine needs a store")
	}
	if deps.Searcher == nil {
		deps.Searcher = search.New(nil, search.Options{}, log)
	}
	if deps.Index == nil {
		deps.Index = index.NewBuilder(nil, log)
	}
	if deps.Selector == nil {
		deps.Selector = respond.New(respond.Options{}, log)
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.ContextFloor <= 0 {
		opts.ContextFloor = 0.1
	}
	if opts.KBFloor <= 0 {
		opts.KBFloor = 0.15
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = 2000
	}
	if strings.TrimSpace(opts.PromptTemplate) == "" {
		opts.PromptTemplate = DefaultPromptTemplate
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeAuto
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newConversationID
	}
	return &Engine{deps: deps, opts: opts, log: logging.Component(log, "engine")}, nil
}

// TrainOptions configures one training run.
type TrainOptions struct {
	Mode     Mode                     // default: the engine's DefaultMode
	Progress func(current, total int) // embedding progress, optional
}

// TrainingResult describes the store a successful Train produced.
type TrainingResult struct {
	IsTrained     bool       `json:"is_trained"`
	Kind          store.Kind `json:"kind"`
	Passages      int        `json:"passages,omitempty"`
	Facts         int        `json:"facts,omitempty"`
	Patterns      int        `json:"patterns,omitempty"`
	HasEmbeddings bool       `json:"has_embeddings"`
	// Fallback explains why auto mode trained passages instead of a
	// knowledge base.
	Fallback string `json:"fallback,omitempty"`
}

// Train replaces the chatbot's store with one built from text. The new
// store is built completely before it is saved, so a failure leaves the
// previous store in place. Runs for the same chatbot are serialised.
func (e *Engine) Train(ctx context.Context, chatbotID, text string, meta kb.Metadata, opts TrainOptions) (TrainingResult, error) {
	if err := store.ValidateID(chatbotID); err != nil {
		return TrainingResult{}, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = e.opts.DefaultMode
	}

	unlock := e.locks.Lock(chatbotID)
	defer unlock()

	log := e.log.With().Str("chatbot_id", chatbotID).Str("mode", string(mode)).Logger()
	start := time.Now()

	if strings.TrimSpace(text) == "" {
		e.deps.Metrics.Train(string(mode), "no_content")
		return TrainingResult{}, segment.ErrNoContent
	}

	snap, res, err := e.build(ctx, chatbotID, text, meta, mode, opts, log)
	if err != nil {
		e.deps.Metrics.Train(string(mode), "error")
		return TrainingResult{}, err
	}
	snap.TrainedAt = e.opts.Now().UTC()

	if err := e.deps.Store.Save(ctx, snap); err != nil {
		e.deps.Metrics.Train(string(snap.Kind), "error")
		return TrainingResult{}, fmt.Errorf("saving chatbot %s: %w", chatbotID, err)
	}
	e.deps.Metrics.Train(string(snap.Kind), "ok")

	log.Info().
		Str("kind", string(snap.Kind)).
		Int("passages", res.Passages).
		Int("facts", res.Facts).
		Int("patterns", res.Patterns).
		Bool("embeddings", res.HasEmbeddings).
		Dur("took", time.Since(start)).
		Msg("training complete")
	return res, nil
}

func (e *Engine) build(ctx context.Context, chatbotID, text string, meta kb.Metadata, mode Mode, opts TrainOptions, log zerolog.Logger) (*store.Snapshot, TrainingResult, error) {
	var fallback string
	switch mode {
	case ModeKB, ModeAuto:
		if e.deps.Generator == nil {
			if mode == ModeKB {
				return nil, TrainingResult{}, &kb.GenerationError{Stage: "llm", Err: errors.New("no language model configured")}
			}
			fallback = "no language model configured"
			break
		}
		k, err := e.deps.Generator.Generate(ctx, text, meta)
		if err == nil {
			return store.NewKnowledgeBase(chatbotID, meta, k), TrainingResult{
				IsTrained: true,
				Kind:      store.KindKnowledgeBase,
				Facts:     len(k.Facts),
				Patterns:  len(k.Patterns),
			}, nil
		}
		var gerr *kb.GenerationError
		if mode == ModeKB || ctx.Err() != nil || !errors.As(err, &gerr) {
			return nil, TrainingResult{}, err
		}
		fallback = err.Error()
		log.Warn().Err(err).Msg("knowledge base generation failed, training passages instead")
	case ModeLegacy:
	default:
		return nil, TrainingResult{}, fmt.Errorf("unknown training mode %q", mode)
	}

	passages, err := segment.SegmentWith(text, e.opts.Segment)
	if err != nil {
		return nil, TrainingResult{}, err
	}
	built, err := e.deps.Index.Build(ctx, passages, index.Options{BatchSize: e.opts.BatchSize, ProgressFn: opts.Progress})
	if err != nil {
		return nil, TrainingResult{}, fmt.Errorf("indexing passages: %w", err)
	}
	return store.NewPassages(chatbotID, meta, built.Passages, built.Embeddings), TrainingResult{
		IsTrained:     true,
		Kind:          store.KindPassages,
		Passages:      len(built.Passages),
		HasEmbeddings: built.Embeddings != nil,
		Fallback:      fallback,
	}, nil
}

// TrainSources extracts every source (file path or URL), joins the texts
// and trains on the result. Any extraction failure aborts the run.
func (e *Engine) TrainSources(ctx context.Context, chatbotID string, sources []string, meta kb.Metadata, opts TrainOptions) (TrainingResult, error) {
	texts := make([]string, 0, len(sources))
	for _, src := range sources {
		text, err := e.Extract(ctx, src)
		if err != nil {
			return TrainingResult{}, err
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}
	return e.Train(ctx, chatbotID, strings.Join(texts, "\n\n"), meta, opts)
}

// Extract returns the text of a file path or URL.
func (e *Engine) Extract(ctx context.Context, source string) (string, error) {
	if e.deps.Extractor == nil {
		return "", errors.New("no extractor configured")
	}
	return e.deps.Extractor.Extract(ctx, source)
}

// Status is a summary of a chatbot's store.
type Status struct {
	ChatbotID     string      `json:"chatbot_id"`
	IsTrained     bool        `json:"is_trained"`
	Kind          store.Kind  `json:"kind,omitempty"`
	Passages      int         `json:"passages,omitempty"`
	Facts         int         `json:"facts,omitempty"`
	Patterns      int         `json:"patterns,omitempty"`
	HasEmbeddings bool        `json:"has_embeddings"`
	TrainedAt     time.Time   `json:"trained_at,omitzero"`
	Metadata      kb.Metadata `json:"metadata,omitzero"`
}

// Status reports what is stored for chatbotID. An untrained chatbot is not
// an error.
func (e *Engine) Status(ctx context.Context, chatbotID string) (Status, error) {
	st := Status{ChatbotID: chatbotID}
	snap, err := e.deps.Store.Load(ctx, chatbotID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.IsTrained = true
	st.Kind = snap.Kind
	st.TrainedAt = snap.TrainedAt
	st.Metadata = snap.Metadata
	switch snap.Kind {
	case store.KindPassages:
		st.Passages = len(snap.Passages.Sentences)
		st.HasEmbeddings = snap.Passages.Embeddings != nil
	case store.KindKnowledgeBase:
		st.Facts = len(snap.KnowledgeBase.Facts)
		st.Patterns = len(snap.KnowledgeBase.Patterns)
	}
	return st, nil
}

// Delete removes the chatbot's store and conversation log.
func (e *Engine) Delete(ctx context.Context, chatbotID string) error {
	unlock := e.locks.Lock(chatbotID)
	defer unlock()
	return e.deps.Store.Delete(ctx, chatbotID)
}

// List returns the ids of all trained chatbots.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.deps.Store.List(ctx)
}

// Conversations returns the newest logged exchanges, at most limit (all
// when limit <= 0).
func (e *Engine) Conversations(ctx context.Context, chatbotID string, limit int) ([]store.Conversation, error) {
	return e.deps.Store.Conversations(ctx, chatbotID, limit)
}

// SearchResult holds passage or knowledge base matches, depending on Kind.
type SearchResult struct {
	Kind     store.Kind      `json:"kind"`
	Method   search.Method   `json:"method,omitempty"`
	Passages []search.Result `json:"passages,omitempty"`
	Matches  []kb.Result     `json:"matches,omitempty"`
}

// Search ranks the chatbot's stored content against query. An untrained
// chatbot returns store.ErrNotFound.
func (e *Engine) Search(ctx context.Context, chatbotID, query string, topK int) (SearchResult, error) {
	if topK <= 0 {
		topK = e.opts.TopK
	}
	snap, err := e.deps.Store.Load(ctx, chatbotID)
	if err != nil {
		return SearchResult{}, err
	}
	out := SearchResult{Kind: snap.Kind}
	switch snap.Kind {
	case store.KindKnowledgeBase:
		out.Matches = kb.Match(query, snap.KnowledgeBase, topK)
	default:
		out.Passages, out.Method = e.deps.Searcher.Search(ctx, corpusOf(snap), query, topK)
	}
	return out, nil
}

func corpusOf(snap *store.Snapshot) search.Corpus {
	return search.Corpus{Passages: snap.Passages.Sentences, Embeddings: snap.Passages.Embeddings}
}

// keyedMutex serialises work per key. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
