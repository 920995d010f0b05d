package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/owlbee/internal/answer"
	"github.com/hurttlocker/owlbee/internal/ingest"
	"github.com/hurttlocker/owlbee/internal/store"
)

const refundDoc = "What is your refund policy? We offer a 30-day money-back guarantee."

func setupTestServer(t *testing.T) *server.MCPServer {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	engine, err := answer.New(answer.Deps{
		Store:     fs,
		Extractor: ingest.NewEngine(ingest.Options{}, zerolog.Nop()),
	}, answer.Options{LogConversations: true}, zerolog.Nop())
	require.NoError(t, err)
	return NewServer(ServerConfig{Engine: engine, Version: "test", Log: zerolog.Nop()})
}

type toolResult struct {
	Text    string
	IsError bool
}

// callTool invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) toolResult {
	t.Helper()
	raw := rpc(t, srv, "tools/call", map[string]interface{}{"name": name, "arguments": args})

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	require.Nil(t, resp.Error, string(raw))
	require.NotEmpty(t, resp.Result.Content, string(raw))
	return toolResult{Text: resp.Result.Content[0].Text, IsError: resp.Result.IsError}
}

func rpc(t *testing.T, srv *server.MCPServer, method string, params map[string]interface{}) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	out, err := json.Marshal(srv.HandleMessage(context.Background(), msg))
	require.NoError(t, err)
	return out
}

func decode(t *testing.T, text string) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(text), &out), text)
	return out
}

func TestTrainAnswerSearchStatus(t *testing.T) {
	srv := setupTestServer(t)

	res := callTool(t, srv, "owlbee_train", map[string]interface{}{
		"chatbot_id": "acme",
		"text":       refundDoc,
		"mode":       "legacy",
		"name":       "Acme",
	})
	require.False(t, res.IsError, res.Text)
	assert.Equal(t, true, decode(t, res.Text)["is_trained"])

	res = callTool(t, srv, "owlbee_answer", map[string]interface{}{
		"chatbot_id": "acme",
		"message":    "refund policy",
	})
	require.False(t, res.IsError, res.Text)
	body := decode(t, res.Text)
	assert.Equal(t, "We offer a 30-day money-back guarantee", body["response"])
	assert.NotEmpty(t, body["conversation_id"])

	res = callTool(t, srv, "owlbee_search", map[string]interface{}{
		"chatbot_id": "acme",
		"query":      "refund policy",
		"limit":      1,
	})
	require.False(t, res.IsError, res.Text)
	assert.Len(t, decode(t, res.Text)["passages"], 1)

	res = callTool(t, srv, "owlbee_status", map[string]interface{}{"chatbot_id": "acme"})
	require.False(t, res.IsError, res.Text)
	st := decode(t, res.Text)
	assert.Equal(t, "passages", st["kind"])
	assert.EqualValues(t, 2, st["passages"])

	res = callTool(t, srv, "owlbee_analytics", map[string]interface{}{"chatbot_id": "acme"})
	require.False(t, res.IsError, res.Text)
	assert.EqualValues(t, 1, decode(t, res.Text)["total_conversations"])
}

func TestTrainFromFileSource(t *testing.T) {
	srv := setupTestServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "faq.md")
	require.NoError(t, os.WriteFile(path, []byte(refundDoc), 0o600))

	res := callTool(t, srv, "owlbee_train", map[string]interface{}{
		"chatbot_id": "docs",
		"sources":    path,
		"mode":       "legacy",
	})
	require.False(t, res.IsError, res.Text)
	assert.EqualValues(t, 2, decode(t, res.Text)["passages"])
}

func TestToolErrors(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
		want string
	}{
		{"train without content", "owlbee_train", map[string]interface{}{"chatbot_id": "acme"}, "no content"},
		{"train bad mode", "owlbee_train", map[string]interface{}{"chatbot_id": "acme", "text": refundDoc, "mode": "fast"}, "invalid mode"},
		{"train bad id", "owlbee_train", map[string]interface{}{"chatbot_id": "../etc", "text": refundDoc}, "invalid chatbot id"},
		{"train unsupported file", "owlbee_train", map[string]interface{}{"chatbot_id": "acme", "sources": "notes.exe"}, "unsupported"},
		{"answer without message", "owlbee_answer", map[string]interface{}{"chatbot_id": "acme", "message": ""}, "message is required"},
		{"search untrained", "owlbee_search", map[string]interface{}{"chatbot_id": "nobody", "query": "x"}, "not trained"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, srv, tt.tool, tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Text, tt.want)
		})
	}
}

func TestAnswerUntrained(t *testing.T) {
	srv := setupTestServer(t)
	res := callTool(t, srv, "owlbee_answer", map[string]interface{}{"chatbot_id": "nobody", "message": "hello"})
	require.False(t, res.IsError, res.Text)
	body := decode(t, res.Text)
	assert.Equal(t, answer.SourceNotTrained, body["source"])
}

func TestDeleteTool(t *testing.T) {
	srv := setupTestServer(t)
	callTool(t, srv, "owlbee_train", map[string]interface{}{"chatbot_id": "acme", "text": refundDoc, "mode": "legacy"})

	res := callTool(t, srv, "owlbee_delete", map[string]interface{}{"chatbot_id": "acme"})
	require.False(t, res.IsError, res.Text)

	res = callTool(t, srv, "owlbee_status", map[string]interface{}{"chatbot_id": "acme"})
	assert.Equal(t, false, decode(t, res.Text)["is_trained"])
}

func TestChatbotsResource(t *testing.T) {
	srv := setupTestServer(t)
	callTool(t, srv, "owlbee_train", map[string]interface{}{"chatbot_id": "acme", "text": refundDoc, "mode": "legacy"})

	raw := rpc(t, srv, "resources/read", map[string]interface{}{"uri": "owlbee://chatbots"})
	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	require.Len(t, resp.Result.Contents, 1, string(raw))

	payload := decode(t, resp.Result.Contents[0].Text)
	assert.EqualValues(t, 1, payload["count"])
}

func TestSplitSources(t *testing.T) {
	assert.Equal(t, []string{"a.pdf", "https://x.test/faq", "b.md"},
		splitSources(" a.pdf ,https://x.test/faq\n\nb.md,"))
	assert.Empty(t, splitSources(" \n, "))
}
