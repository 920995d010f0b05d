package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"empty means none", "", "", "", false},
		{"google", "google/gemini-2.5-flash", "google", "gemini-2.5-flash", false},
		{"openrouter nested model", "openrouter/openai/gpt-4o-mini", "openrouter", "openai/gpt-4o-mini", false},
		{"openai", "OpenAI/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"ollama", "ollama/llama3.1", "ollama", "llama3.1", false},
		{"unknown provider", "acme/big-model", "", "", true},
		{"no slash", "gemini", "", "", true},
		{"empty model", "google/", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProv, cfg.Provider)
			assert.Equal(t, tt.wantMod, cfg.Model)
		})
	}
}

func TestNewProviderKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewProvider(Config{Provider: "unknown"})
	assert.Error(t, err)
	for _, name := range []string{"google", "openrouter", "openai"} {
		_, err := NewProvider(Config{Provider: name})
		assert.Error(t, err, name)
	}

	p, err := NewProvider(Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.1", p.Name())

	t.Setenv("GOOGLE_API_KEY", "g-key")
	p, err = NewProvider(Config{Provider: "google", Model: "gemini-2.5-pro"})
	require.NoError(t, err)
	assert.Equal(t, "google/gemini-2.5-pro", p.Name())
}

func TestChatProviderComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"content":"  {\"ok\":true}  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider(Config{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), "extract", CompletionOpts{System: "be strict", Format: "json", Temperature: 0.1, MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be strict", got.Messages[0].Content)
	assert.Equal(t, "extract", got.Messages[1].Content)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestChatProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "bad") {
			http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	bad := newChat("openrouter", "bad", "m", srv.URL, time.Second)
	_, err := bad.Complete(context.Background(), "hi", CompletionOpts{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	empty := newChat("openrouter", "good", "m", srv.URL, time.Second)
	_, err = empty.Complete(context.Background(), "hi", CompletionOpts{})
	assert.ErrorContains(t, err, "empty response")
}

func TestGoogleProviderComplete(t *testing.T) {
	var got googleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hello "},{"text":"there"}]}}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider(Config{Provider: "google", APIKey: "g-key", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), "hi", CompletionOpts{System: "persona", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "persona", got.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", got.GenerationConfig.ResponseMimeType)
}

func TestGoogleProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":400,"message":"bad request"}}`))
	}))
	defer srv.Close()

	p := newGoogle("k", "gemini-2.5-flash", srv.URL, time.Second)
	_, err := p.Complete(context.Background(), "hi", CompletionOpts{})
	assert.ErrorContains(t, err, "bad request")
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := newChat("openai", "k", "m", srv.URL, 5*time.Second)
	_, err := p.Complete(ctx, "hi", CompletionOpts{})
	assert.Error(t, err)
}
