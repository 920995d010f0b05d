// Package llm is the language-model adapter used for knowledge-base
// generation and answer synthesis. Providers talk plain HTTP.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns "provider/model".
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0.0-2.0
	Model       string  // per-request model override
	Format      string  // "json" for structured output
	System      string  // system prompt
}

// Config holds provider configuration.
type Config struct {
	Provider string // "google", "openrouter", "openai", "ollama"
	Model    string
	APIKey   string // empty = read from env
	BaseURL  string // optional override
	Timeout  time.Duration
}

// APIError is a non-200 response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

type providerSpec struct {
	model   string
	baseURL string
	keyEnvs []string
}

var providers = map[string]providerSpec{
	"google":     {"gemini-2.5-flash", "https://generativelanguage.googleapis.com/v1beta", []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	"openrouter": {"openai/gpt-4o-mini", "https://openrouter.ai/api/v1", []string{"OPENROUTER_API_KEY"}},
	"openai":     {"gpt-4o-mini", "https://api.openai.com/v1", []string{"OPENAI_API_KEY"}},
	"ollama":     {"llama3.1", "http://localhost:11434/v1", nil},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(cfg.Provider)
	def, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: google, openrouter, openai, ollama)", cfg.Provider)
	}

	key := cfg.APIKey
	for _, env := range def.keyEnvs {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && len(def.keyEnvs) > 0 {
		return nil, fmt.Errorf("%s provider requires %s env var", name, strings.Join(def.keyEnvs, " or "))
	}

	model := cfg.Model
	if model == "" {
		model = def.model
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = def.baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	if name == "google" {
		return newGoogle(key, model, baseURL, timeout), nil
	}
	return newChat(name, key, model, baseURL, timeout), nil
}

// ParseLLMFlag parses "provider/model", e.g. "google/gemini-2.5-flash" or
// "openrouter/openai/gpt-4o-mini". An empty flag means no LLM and returns a
// zero Config.
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{}, nil
	}
	provider, model, ok := strings.Cut(flag, "/")
	if !ok || model == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., google/gemini-2.5-flash)", flag)
	}
	provider = strings.ToLower(provider)
	if _, known := providers[provider]; !known {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: google, openrouter, openai, ollama)", provider)
	}
	return Config{Provider: provider, Model: model}, nil
}
