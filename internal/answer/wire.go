package answer

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/config"
	"github.com/hurttlocker/owlbee/internal/embed"
	"github.com/hurttlocker/owlbee/internal/index"
	"github.com/hurttlocker/owlbee/internal/ingest"
	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/llm"
	"github.com/hurttlocker/owlbee/internal/logging"
	"github.com/hurttlocker/owlbee/internal/metrics"
	"github.com/hurttlocker/owlbee/internal/respond"
	"github.com/hurttlocker/owlbee/internal/search"
	"github.com/hurttlocker/owlbee/internal/store"
)

// Runtime is an Engine with everything it owns.
type Runtime struct {
	Engine    *Engine
	Extractor *ingest.Engine
	Metrics   *metrics.Metrics
	Embedder  *embed.Lazy
	store     store.Backend
}

// Close releases the store and any local embedding model.
func (r *Runtime) Close() error {
	embErr := r.Embedder.Close()
	if err := r.store.Close(); err != nil {
		return err
	}
	return embErr
}

// FromConfig wires an Engine from resolved settings. Language models and
// embeddings are optional: when they cannot be configured the engine runs
// without them and the reason is logged.
func FromConfig(cfg config.ResolvedConfig, m *metrics.Metrics, log zerolog.Logger) (*Runtime, error) {
	backend, err := store.Open(store.Config{
		Backend: cfg.StoreBackend.Value,
		DataDir: cfg.DataDir.Value,
		DBPath:  cfg.DBPath.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.StoreBackend.Value, err)
	}

	emb := embedderFromConfig(cfg, log)

	extractor := ingest.NewEngine(ingest.Options{
		MaxFileSize: cfg.Crawl.MaxFileSize,
		HTTPClient:  &http.Client{Timeout: cfg.Crawl.PageTimeout},
		Crawl: ingest.CrawlOptions{
			MaxPages:    cfg.Crawl.MaxPages,
			Timeout:     cfg.Crawl.Timeout,
			PageTimeout: cfg.Crawl.PageTimeout,
			Rate:        cfg.Crawl.Rate,
			OnPage:      m.ExtractPage,
		},
	}, logging.Component(log, "ingest"))

	var gen *kb.Generator
	if p, reason := ResolveProvider(cfg, "kb"); p != nil {
		gen = kb.NewGenerator(p, cfg.Train.MaxKBChars, logging.Component(log, "kb"))
	} else {
		log.Debug().Str("reason", reason).Msg("knowledge base generation disabled")
	}
	answerLLM, reason := ResolveProvider(cfg, "answer")
	if answerLLM == nil {
		log.Debug().Str("reason", reason).Msg("answer synthesis disabled")
	}

	mode, err := ParseMode(cfg.Train.Mode)
	if err != nil {
		backend.Close()
		return nil, err
	}

	r := cfg.Retrieval
	selector := respond.New(respond.Options{
		Thresholds: respond.Thresholds{
			Candidate: r.CandidateFloor,
			Persona:   r.PersonaFloor,
			Question:  r.QuestionFloor,
			Verbatim:  r.VerbatimFloor,
		},
		SuggestTopics: cfg.Answer.SuggestTopics,
	}, logging.Component(log, "respond"))

	logConversations := true
	if cfg.Answer.LogConversations != nil {
		logConversations = *cfg.Answer.LogConversations
	}

	engine, err := New(Deps{
		Store:     backend,
		Index:     index.NewBuilder(emb, logging.Component(log, "index")),
		Searcher:  search.New(emb, search.Options{Floor: r.SearchFloor, OnFallback: m.SearchFallback}, logging.Component(log, "search")),
		Generator: gen,
		Selector:  selector,
		LLM:       answerLLM,
		Extractor: extractor,
		Metrics:   m,
	}, Options{
		TopK:             r.TopK,
		ContextFloor:     r.SearchFloor,
		KBFloor:          r.CandidateFloor,
		MaxContextChars:  cfg.Answer.MaxContextChars,
		PromptTemplate:   cfg.Answer.PromptTemplate,
		DefaultMode:      mode,
		BatchSize:        cfg.Train.BatchSize,
		LogConversations: logConversations,
	}, log)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &Runtime{Engine: engine, Extractor: extractor, Metrics: m, Embedder: emb, store: backend}, nil
}

func embedderFromConfig(cfg config.ResolvedConfig, log zerolog.Logger) *embed.Lazy {
	elog := logging.Component(log, "embed")
	flag := strings.TrimSpace(cfg.EmbedProvider.Value)
	if flag == "" {
		return embed.NewLazy(nil, elog)
	}
	ec, err := embed.ParseEmbedFlag(flag)
	if err != nil {
		elog.Warn().Err(err).Str("from", cfg.EmbedProvider.From).Msg("invalid embedding setting, embeddings disabled")
		return embed.NewLazy(nil, elog)
	}
	if v := cfg.EmbedEndpoint.Value; v != "" {
		ec.Endpoint = v
	}
	if v := cfg.EmbedAPIKey.Value; v != "" {
		ec.APIKey = v
	}
	if v := cfg.EmbedModelDir.Value; v != "" {
		ec.ModelDir = v
	}
	if v := cfg.OnnxLib.Value; v != "" {
		ec.OnnxLib = v
	}
	if err := ec.Validate(); err != nil {
		elog.Warn().Err(err).Msg("incomplete embedding setting, embeddings disabled")
		return embed.NewLazy(nil, elog)
	}
	return embed.FromConfig(ec, elog)
}

// ResolveProvider builds the language model for a purpose ("kb" or
// "answer"). When none is usable it returns nil and a reason instead of an
// error, so callers can degrade.
func ResolveProvider(cfg config.ResolvedConfig, purpose string) (llm.Provider, string) {
	model := cfg.EffectiveLLMModel(purpose, "").Value
	if strings.TrimSpace(model) == "" {
		return nil, "no_llm_configured"
	}
	lc, err := llm.ParseLLMFlag(model)
	if err != nil {
		return nil, "invalid_model_config"
	}
	if key := cfg.APIKeyForProvider(lc.Provider); key.Value != "" {
		lc.APIKey = key.Value
	}
	p, err := llm.NewProvider(lc)
	if err != nil {
		return nil, "no_llm_configured"
	}
	return p, ""
}
