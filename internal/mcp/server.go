// Package mcp provides a Model Context Protocol server for owlbee.
//
// It exposes training, answering, search and status as MCP tools, and the
// trained chatbots as an MCP resource. Served over stdio, so local file
// sources are accepted alongside URLs.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/analytics"
	"github.com/hurttlocker/owlbee/internal/answer"
	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/logging"
	"github.com/hurttlocker/owlbee/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Engine  *answer.Engine
	Version string // version string for MCP server info
	Log     zerolog.Logger
}

// NewServer creates a configured MCP server with all owlbee tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"owlbee",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	log := logging.Component(cfg.Log, "mcp")
	registerTrainTool(s, cfg.Engine, log)
	registerAnswerTool(s, cfg.Engine)
	registerSearchTool(s, cfg.Engine)
	registerStatusTool(s, cfg.Engine)
	registerAnalyticsTool(s, cfg.Engine)
	registerDeleteTool(s, cfg.Engine)

	registerChatbotsResource(s, cfg.Engine)
	return s
}

// --- Tools ---

func registerTrainTool(s *server.MCPServer, engine *answer.Engine, log zerolog.Logger) {
	tool := mcp.NewTool("owlbee_train",
		mcp.WithDescription("Train a chatbot from text and/or sources (file paths or URLs). Replaces the chatbot's previous training only on success."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier (letters, digits, '-' and '_')"),
		),
		mcp.WithString("text",
			mcp.Description("Document text to train on"),
		),
		mcp.WithString("sources",
			mcp.Description("File paths or URLs, separated by newlines or commas"),
		),
		mcp.WithString("mode",
			mcp.Description("Training mode: auto, kb or legacy (default: auto)"),
			mcp.Enum("auto", "kb", "legacy"),
		),
		mcp.WithString("name",
			mcp.Description("Chatbot display name"),
		),
		mcp.WithString("description",
			mcp.Description("Chatbot description"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}

		opts := answer.TrainOptions{}
		if modeStr, err := req.RequireString("mode"); err == nil && modeStr != "" {
			mode, err := answer.ParseMode(modeStr)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid mode: %v", err)), nil
			}
			opts.Mode = mode
		}

		meta := kb.Metadata{}
		if v, err := req.RequireString("name"); err == nil {
			meta.Name = v
		}
		if v, err := req.RequireString("description"); err == nil {
			meta.Description = v
		}

		var texts []string
		if text, err := req.RequireString("text"); err == nil && strings.TrimSpace(text) != "" {
			texts = append(texts, strings.ReplaceAll(text, "\x00", ""))
		}
		if raw, err := req.RequireString("sources"); err == nil {
			for _, src := range splitSources(raw) {
				text, err := engine.Extract(ctx, src)
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("extract error: %v", err)), nil
				}
				texts = append(texts, text)
			}
		}

		res, err := engine.Train(ctx, id, strings.Join(texts, "\n\n"), meta, opts)
		if err != nil {
			log.Debug().Err(err).Str("chatbot_id", id).Msg("train tool failed")
			return mcp.NewToolResultError(fmt.Sprintf("train error: %v", err)), nil
		}
		return jsonResult(res), nil
	})
}

func registerAnswerTool(s *server.MCPServer, engine *answer.Engine) {
	tool := mcp.NewTool("owlbee_answer",
		mcp.WithDescription("Answer a visitor message as the given chatbot. Untrained chatbots reply with a canned message instead of failing."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Visitor message"),
		),
		mcp.WithString("persona",
			mcp.Description("Persona prompt for the chatbot (e.g. 'You are a friendly support agent')"),
		),
		mcp.WithString("conversation_id",
			mcp.Description("Continue an existing conversation. Empty = start a new one."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcp.NewToolResultError("message is required"), nil
		}
		r := answer.Request{ChatbotID: id, Message: message}
		if v, err := req.RequireString("persona"); err == nil {
			r.Persona = v
		}
		if v, err := req.RequireString("conversation_id"); err == nil {
			r.ConversationID = v
		}

		reply, err := engine.Converse(ctx, r)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("answer error: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"response":        reply.Text,
			"source":          reply.Source,
			"conversation_id": reply.ConversationID,
		}), nil
	})
}

func registerSearchTool(s *server.MCPServer, engine *answer.Engine) {
	tool := mcp.NewTool("owlbee_search",
		mcp.WithDescription("Rank a chatbot's trained passages or knowledge base entries against a query. Returns scores and the retrieval method used."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 5, max: 50)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		limit := 0
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit = min(int(limitVal), 50)
		}

		res, err := engine.Search(ctx, id, query, limit)
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("chatbot %q is not trained", id)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
		}
		return jsonResult(res), nil
	})
}

func registerStatusTool(s *server.MCPServer, engine *answer.Engine) {
	tool := mcp.NewTool("owlbee_status",
		mcp.WithDescription("Show what a chatbot was trained on: store kind, passage or fact counts, embeddings and training time."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}
		st, err := engine.Status(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status error: %v", err)), nil
		}
		return jsonResult(st), nil
	})
}

func registerAnalyticsTool(s *server.MCPServer, engine *answer.Engine) {
	tool := mcp.NewTool("owlbee_analytics",
		mcp.WithDescription("Summarize a chatbot's logged conversations: top questions, keywords and busiest times."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}
		convs, err := engine.Conversations(ctx, id, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("analytics error: %v", err)), nil
		}
		return jsonResult(analytics.Summarize(convs, nil)), nil
	})
}

func registerDeleteTool(s *server.MCPServer, engine *answer.Engine) {
	tool := mcp.NewTool("owlbee_delete",
		mcp.WithDescription("Delete a chatbot's training data and conversation log."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("chatbot_id",
			mcp.Required(),
			mcp.Description("Chatbot identifier"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chatbot_id")
		if err != nil {
			return mcp.NewToolResultError("chatbot_id is required"), nil
		}
		if err := engine.Delete(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete error: %v", err)), nil
		}
		return jsonResult(map[string]any{"chatbot_id": id, "deleted": true}), nil
	})
}

// --- Helpers ---

// splitSources splits a newline- or comma-separated source list.
func splitSources(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data))
}
