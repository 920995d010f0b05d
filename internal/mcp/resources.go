package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/owlbee/internal/answer"
)

func registerChatbotsResource(s *server.MCPServer, engine *answer.Engine) {
	resource := mcp.NewResource(
		"owlbee://chatbots",
		"Trained Chatbots",
		mcp.WithResourceDescription("Every trained chatbot with its store kind, content counts and training time."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ids, err := engine.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing chatbots: %w", err)
		}

		chatbots := make([]answer.Status, 0, len(ids))
		for _, id := range ids {
			st, err := engine.Status(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading status for %s: %w", id, err)
			}
			chatbots = append(chatbots, st)
		}

		payload := map[string]interface{}{
			"chatbots": chatbots,
			"count":    len(chatbots),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
