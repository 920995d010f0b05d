// Package embed turns passages and queries into embedding vectors.
//
// Remote providers speak the OpenAI-compatible /v1/embeddings format:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - deepseek: https://api.deepseek.com/v1/embeddings
// - custom: OWLBEE_EMBED_ENDPOINT
//
// The "local" provider runs a sentence-transformer ONNX export in process
// (see onnx.go). Whether any embedder is usable is decided once, by Lazy.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable signals that no embedding model can be used. Callers fall
// back to lexical matching; it is never shown to end users.
var ErrUnavailable = errors.New("embedding model unavailable")

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider    string // "ollama", "openai", "deepseek", "openrouter", "custom", "local"
	Model       string
	Endpoint    string // full API URL (remote providers)
	APIKey      string
	ModelDir    string // directory holding model.onnx and tokenizer.json (local)
	OnnxLib     string // path to the onnxruntime shared library (local)
	MaxRetries  int    // default: 3
	TimeoutSecs int    // per-request timeout (default: 60)
}

var remoteEndpoints = map[string]struct{ endpoint, keyEnv string }{
	"ollama":     {"http://localhost:11434/v1/embeddings", ""},
	"openai":     {"https://api.openai.com/v1/embeddings", "OPENAI_API_KEY"},
	"deepseek":   {"https://api.deepseek.com/v1/embeddings", "DEEPSEEK_API_KEY"},
	"openrouter": {"https://openrouter.ai/api/v1/embeddings", "OPENROUTER_API_KEY"},
	"custom":     {"", ""},
}

// ParseEmbedFlag parses "provider/model". Everything after the first slash is
// the model, so "openrouter/sentence-transformers/all-MiniLM-L6-v2" works.
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}
	provider, model, ok := strings.Cut(flag, "/")
	if !ok {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}
	if provider == "" {
		return nil, fmt.Errorf("empty provider in --embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in --embed flag: %q", flag)
	}

	cfg := &EmbedConfig{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	if provider == "local" {
		cfg.ModelDir = os.Getenv("OWLBEE_EMBED_MODEL_DIR")
		cfg.OnnxLib = os.Getenv("ONNXRUNTIME_LIB")
		return cfg, nil
	}

	defaults, known := remoteEndpoints[provider]
	if !known {
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, deepseek, openrouter, custom, local", provider)
	}
	cfg.Endpoint = defaults.endpoint
	if defaults.keyEnv != "" {
		cfg.APIKey = os.Getenv(defaults.keyEnv)
	}
	if v := os.Getenv("OWLBEE_EMBED_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("OWLBEE_EMBED_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	return cfg, nil
}

// Validate checks if the embedding configuration is complete.
func (c *EmbedConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Provider == "local" {
		if c.ModelDir == "" {
			return fmt.Errorf("model directory is required for the local provider")
		}
		return nil
	}

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}
	return nil
}

// HTTPError is a non-200 response from an embeddings endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client implements Embedder against an OpenAI-compatible endpoint.
type Client struct {
	config EmbedConfig
	http   *http.Client

	mu   sync.RWMutex
	dims int
}

// NewClient creates a remote embedding client.
func NewClient(config *EmbedConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: *config,
		http:   &http.Client{Timeout: time.Duration(config.TimeoutSecs) * time.Second},
	}, nil
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Blank texts get a nil vector.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var (
		inputs []string
		origin []int
	)
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			inputs = append(inputs, text)
			origin = append(origin, i)
		}
	}
	out := make([][]float32, len(texts))
	if len(inputs) == 0 {
		return out, nil
	}

	vecs, err := c.withRetry(ctx, inputs)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		out[origin[i]] = v
	}
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		c.mu.Lock()
		c.dims = len(vecs[0])
		c.mu.Unlock()
	}
	return out, nil
}

// Dimensions returns the vector width seen so far, or 0 before the first call.
func (c *Client) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dims
}

// withRetry backs off 1s, 2s, 4s... and honours Retry-After on 429.
func (c *Client) withRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vecs, err := c.post(ctx, inputs)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}

		wait := time.Duration(1<<attempt) * time.Second
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.config.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		req.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/owlbee")
		req.Header.Set("X-Title", "Owlbee")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		herr := &HTTPError{StatusCode: resp.StatusCode, Message: string(raw)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			herr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, herr
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(parsed.Data))
	}

	vecs := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
