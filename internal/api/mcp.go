package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/recall/internal/memory"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memory  MemoryService
	Recent  RecentLister // optional; if nil, memory://recent is not registered
	Version string
}

// NewMCPServer creates an MCP server exposing the conversation memory.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"recall",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("recall: long-term memory of past conversations, searchable by meaning."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a prompt and its response so similar questions can recall it later."),
			mcp.WithString("prompt", mcp.Description("What the user asked"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The answer that was given")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Find past conversations whose prompts are closest in meaning to the query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_stats",
			mcp.WithDescription("Report record count, index size, dimension and whether the index is stale."),
		),
		mcpStats(deps),
	)

	if deps.Recent != nil {
		s.AddResource(
			mcp.NewResource(
				"memory://recent",
				"Recent Conversations",
				mcp.WithResourceDescription("Last 10 stored conversations (prompts truncated)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || prompt == "" {
			return mcpError("prompt is required"), nil
		}
		response := req.GetString("response", "")

		id, err := deps.Memory.RecordAndIndex(ctx, prompt, response)
		if errors.Is(err, memory.ErrIndexRebuild) {
			return mcpText(fmt.Sprintf("Stored conversation %d; it will be searchable after the index is rebuilt", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remember: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored conversation %d", id)), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		memories, err := deps.Memory.RetrieveSimilar(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		results := make([]MemoryJSON, len(memories))
		for i, m := range memories {
			results[i] = toMemoryJSON(m.Conversation)
			results[i].Distance = &m.Distance
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Memory.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Recent.ListRecent(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent conversations: %w", err)
		}

		type conversationSummary struct {
			ID        int64  `json:"id"`
			CreatedAt string `json:"created_at"`
			Prompt    string `json:"prompt"`
		}

		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			prompt := c.Prompt
			if utf8.RuneCountInString(prompt) > 200 {
				runes := []rune(prompt)
				prompt = string(runes[:200]) + "..."
			}
			summaries[i] = conversationSummary{
				ID:        c.ID,
				CreatedAt: c.CreatedAt.Format(time.RFC3339),
				Prompt:    prompt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
