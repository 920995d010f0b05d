// Package config resolves owlbee settings from the YAML config file, the
// environment and CLI flags, in increasing order of precedence. Every
// string setting remembers where its value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	CLILLM     string
	CLIEmbed   string
	CLIDataDir string
	CLIStore   string
	CLILog     string
}

// Retrieval holds the search and response selection thresholds.
type Retrieval struct {
	TopK           int     `yaml:"top_k" json:"top_k"`
	SearchFloor    float64 `yaml:"search_floor" json:"search_floor"`
	CandidateFloor float64 `yaml:"candidate_floor" json:"candidate_floor"`
	PersonaFloor   float64 `yaml:"persona_floor" json:"persona_floor"`
	QuestionFloor  float64 `yaml:"question_floor" json:"question_floor"`
	VerbatimFloor  float64 `yaml:"verbatim_floor" json:"verbatim_floor"`
}

// Crawl bounds website scraping.
type Crawl struct {
	MaxPages    int           `yaml:"max_pages" json:"max_pages"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	PageTimeout time.Duration `yaml:"page_timeout" json:"page_timeout"`
	Rate        float64       `yaml:"rate" json:"rate"`
	MaxFileSize int64         `yaml:"max_file_size" json:"max_file_size"`
}

// Train selects the training path.
type Train struct {
	Mode       string `yaml:"mode" json:"mode"` // auto, kb or legacy
	MaxKBChars int    `yaml:"max_kb_chars" json:"max_kb_chars"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
}

// Answer configures reply generation.
type Answer struct {
	PromptTemplate   string `yaml:"prompt_template" json:"prompt_template,omitempty"`
	MaxContextChars  int    `yaml:"max_context_chars" json:"max_context_chars"`
	SuggestTopics    bool   `yaml:"suggest_topics" json:"suggest_topics"`
	LogConversations *bool  `yaml:"log_conversations" json:"log_conversations,omitempty"`
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DataDir      ResolvedValue `json:"data_dir"`
	StoreBackend ResolvedValue `json:"store_backend"`
	DBPath       ResolvedValue `json:"db_path"`

	LLMProvider    ResolvedValue `json:"llm_provider"`
	LLMKBModel     ResolvedValue `json:"llm_kb_model"`
	LLMAnswerModel ResolvedValue `json:"llm_answer_model"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`
	EmbedModelDir ResolvedValue `json:"embed_model_dir"`
	OnnxLib       ResolvedValue `json:"onnx_lib"`

	LogLevel   ResolvedValue `json:"log_level"`
	LogFormat  ResolvedValue `json:"log_format"`
	ServerAddr ResolvedValue `json:"server_addr"`

	Retrieval Retrieval `json:"retrieval"`
	Crawl     Crawl     `json:"crawl"`
	Train     Train     `json:"train"`
	Answer    Answer    `json:"answer"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

type fileConfig struct {
	DataDir string `yaml:"data_dir"`
	Store   struct {
		Backend string `yaml:"backend"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"store"`
	LLM struct {
		Provider    string `yaml:"provider"`
		APIKey      string `yaml:"api_key"`
		KBModel     string `yaml:"kb_model"`
		AnswerModel string `yaml:"answer_model"`
	} `yaml:"llm"`
	Embed struct {
		Provider  string `yaml:"provider"`
		APIKey    string `yaml:"api_key"`
		Endpoint  string `yaml:"endpoint"`
		ModelDir  string `yaml:"model_dir"`
		OnnxLib   string `yaml:"onnx_lib"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"embed"`
	Retrieval Retrieval `yaml:"retrieval"`
	Crawl     Crawl     `yaml:"crawl"`
	Train     Train     `yaml:"train"`
	Answer    Answer    `yaml:"answer"`
	Log       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Defaults returns the built-in tunables.
func Defaults() (Retrieval, Crawl, Train, Answer) {
	return Retrieval{
			TopK:           5,
			SearchFloor:    0.1,
			CandidateFloor: 0.15,
			PersonaFloor:   0.2,
			QuestionFloor:  0.3,
			VerbatimFloor:  0.8,
		}, Crawl{
			MaxPages:    50,
			Timeout:     120 * time.Second,
			PageTimeout: 30 * time.Second,
			Rate:        5,
			MaxFileSize: 25 << 20,
		}, Train{
			Mode:       "auto",
			MaxKBChars: 60000,
			BatchSize:  32,
		}, Answer{
			MaxContextChars: 2000,
		}
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".owlbee", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:   path,
		DataDir:      ResolvedValue{Value: "~/.owlbee/training_data", Source: SourceDefault, From: "built-in default"},
		StoreBackend: ResolvedValue{Value: "file", Source: SourceDefault, From: "built-in default"},
		DBPath:       ResolvedValue{Value: "~/.owlbee/owlbee.db", Source: SourceDefault, From: "built-in default"},
		LogLevel:     ResolvedValue{Value: "info", Source: SourceDefault, From: "built-in default"},
		LogFormat:    ResolvedValue{Value: "console", Source: SourceDefault, From: "built-in default"},
		ServerAddr:   ResolvedValue{Value: ":8080", Source: SourceDefault, From: "built-in default"},
		LLMKeys:      map[string]ResolvedValue{},
	}
	out.Retrieval, out.Crawl, out.Train, out.Answer = Defaults()

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DataDir, cfg.DataDir, SourceConfig, path)
		apply(&out.StoreBackend, cfg.Store.Backend, SourceConfig, path)
		apply(&out.DBPath, cfg.Store.DBPath, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMKBModel, cfg.LLM.KBModel, SourceConfig, path)
		apply(&out.LLMAnswerModel, cfg.LLM.AnswerModel, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedModelDir, cfg.Embed.ModelDir, SourceConfig, path)
		apply(&out.OnnxLib, cfg.Embed.OnnxLib, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
		apply(&out.ServerAddr, cfg.Server.Addr, SourceConfig, path)

		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}

		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			providers := map[string]struct{}{}
			for _, v := range []string{cfg.LLM.Provider, cfg.LLM.KBModel, cfg.LLM.AnswerModel} {
				if p := providerOf(v); p != "" {
					providers[p] = struct{}{}
				}
			}
			if len(providers) == 0 {
				providers["default"] = struct{}{}
			}
			for p := range providers {
				out.LLMKeys[p] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
			}
		}

		mergeRetrieval(&out.Retrieval, cfg.Retrieval)
		mergeCrawl(&out.Crawl, cfg.Crawl)
		mergeTrain(&out.Train, cfg.Train)
		if cfg.Embed.BatchSize > 0 {
			out.Train.BatchSize = cfg.Embed.BatchSize
		}
		mergeAnswer(&out.Answer, cfg.Answer)
	}

	applyEnv(&out.DataDir, "OWLBEE_DATA_DIR")
	applyEnv(&out.StoreBackend, "OWLBEE_STORE")
	applyEnv(&out.DBPath, "OWLBEE_DB_PATH")
	applyEnv(&out.LLMProvider, "OWLBEE_LLM")
	applyEnv(&out.LLMKBModel, "OWLBEE_LLM_KB")
	applyEnv(&out.LLMAnswerModel, "OWLBEE_LLM_ANSWER")
	applyEnv(&out.EmbedProvider, "OWLBEE_EMBED")
	applyEnv(&out.EmbedEndpoint, "OWLBEE_EMBED_ENDPOINT")
	applyEnv(&out.EmbedModelDir, "OWLBEE_EMBED_MODEL_DIR")
	applyEnv(&out.OnnxLib, "ONNXRUNTIME_LIB")
	applyEnv(&out.LogLevel, "OWLBEE_LOG_LEVEL")
	applyEnv(&out.LogFormat, "OWLBEE_LOG_FORMAT")
	applyEnv(&out.ServerAddr, "OWLBEE_ADDR")
	if v := strings.TrimSpace(os.Getenv("OWLBEE_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "OWLBEE_EMBED_API_KEY"}
	}
	if v := strings.TrimSpace(os.Getenv("OWLBEE_TRAIN_MODE")); v != "" {
		out.Train.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("OWLBEE_MAX_PAGES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return out, fmt.Errorf("OWLBEE_MAX_PAGES: expected a positive integer, got %q", v)
		}
		out.Crawl.MaxPages = n
	}

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
		"DEEPSEEK_API_KEY":   "deepseek",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DataDir, opts.CLIDataDir, SourceCLI, "--data-dir")
	apply(&out.StoreBackend, opts.CLIStore, SourceCLI, "--store")
	apply(&out.LogLevel, opts.CLILog, SourceCLI, "--log-level")

	out.DataDir.Value = expandUserPath(out.DataDir.Value)
	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.EmbedModelDir.Value = expandUserPath(out.EmbedModelDir.Value)

	return out, out.Validate()
}

// Validate checks enumerations and threshold ranges.
func (r ResolvedConfig) Validate() error {
	switch r.StoreBackend.Value {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store backend %q (from %s): expected file or sqlite", r.StoreBackend.Value, r.StoreBackend.From)
	}
	switch r.Train.Mode {
	case "auto", "kb", "legacy":
	default:
		return fmt.Errorf("train mode %q: expected auto, kb or legacy", r.Train.Mode)
	}
	for name, v := range map[string]float64{
		"search_floor":    r.Retrieval.SearchFloor,
		"candidate_floor": r.Retrieval.CandidateFloor,
		"persona_floor":   r.Retrieval.PersonaFloor,
		"question_floor":  r.Retrieval.QuestionFloor,
		"verbatim_floor":  r.Retrieval.VerbatimFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("retrieval.%s must be between 0 and 1, got %g", name, v)
		}
	}
	return nil
}

// EffectiveLLMModel returns the provider/model for a purpose ("kb" or
// "answer"), falling back to the general llm setting and then fallback.
func (r ResolvedConfig) EffectiveLLMModel(purpose, fallback string) ResolvedValue {
	purpose = strings.ToLower(strings.TrimSpace(purpose))

	candidates := []ResolvedValue{}
	switch purpose {
	case "kb":
		candidates = append(candidates, r.LLMKBModel)
	case "answer":
		candidates = append(candidates, r.LLMAnswerModel)
	}
	candidates = append(candidates, r.LLMProvider)

	for _, c := range candidates {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		if strings.Contains(c.Value, "/") {
			return c
		}
		if fallback != "" && strings.HasPrefix(strings.ToLower(fallback), strings.ToLower(strings.TrimSpace(c.Value))+"/") {
			return ResolvedValue{Value: fallback, Source: c.Source, From: c.From}
		}
		return c
	}

	if strings.TrimSpace(fallback) != "" {
		return ResolvedValue{Value: fallback, Source: SourceDefault, From: "built-in default"}
	}
	return ResolvedValue{}
}

func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func mergeRetrieval(dst *Retrieval, src Retrieval) {
	if src.TopK > 0 {
		dst.TopK = src.TopK
	}
	setFloat(&dst.SearchFloor, src.SearchFloor)
	setFloat(&dst.CandidateFloor, src.CandidateFloor)
	setFloat(&dst.PersonaFloor, src.PersonaFloor)
	setFloat(&dst.QuestionFloor, src.QuestionFloor)
	setFloat(&dst.VerbatimFloor, src.VerbatimFloor)
}

func mergeCrawl(dst *Crawl, src Crawl) {
	if src.MaxPages > 0 {
		dst.MaxPages = src.MaxPages
	}
	if src.Timeout > 0 {
		dst.Timeout = src.Timeout
	}
	if src.PageTimeout > 0 {
		dst.PageTimeout = src.PageTimeout
	}
	setFloat(&dst.Rate, src.Rate)
	if src.MaxFileSize > 0 {
		dst.MaxFileSize = src.MaxFileSize
	}
}

func mergeTrain(dst *Train, src Train) {
	if m := strings.ToLower(strings.TrimSpace(src.Mode)); m != "" {
		dst.Mode = m
	}
	if src.MaxKBChars > 0 {
		dst.MaxKBChars = src.MaxKBChars
	}
	if src.BatchSize > 0 {
		dst.BatchSize = src.BatchSize
	}
}

func mergeAnswer(dst *Answer, src Answer) {
	if strings.TrimSpace(src.PromptTemplate) != "" {
		dst.PromptTemplate = src.PromptTemplate
	}
	if src.MaxContextChars > 0 {
		dst.MaxContextChars = src.MaxContextChars
	}
	dst.SuggestTopics = dst.SuggestTopics || src.SuggestTopics
	if src.LogConversations != nil {
		dst.LogConversations = src.LogConversations
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
