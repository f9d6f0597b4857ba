package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pocketchat/internal/storage"
)

const recentChats = 10

// NewMCPServer creates an MCP server exposing chat history as tools and resources.
func NewMCPServer(store ChatStore, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"pocketchat",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pocketchat: read-only access to locally stored chat history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_chats",
			mcp.WithDescription("List stored chats, most recently updated first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of chats (default 20, max 100)")),
		),
		mcpListChats(store),
	)

	s.AddTool(
		mcp.NewTool("get_chat",
			mcp.WithDescription("Return the full conversation of a stored chat."),
			mcp.WithNumber("id", mcp.Description("Chat id"), mcp.Required()),
		),
		mcpGetChat(store),
	)

	s.AddResource(
		mcp.NewResource(
			"chats://recent",
			"Recent Chats",
			mcp.WithResourceDescription("The 10 most recently updated chats with a preview of the last reply"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(store),
	)

	return s
}

func mcpListChats(store ChatStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		chats, err := store.ListChats(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list chats: %v", err)), nil
		}
		out := make([]ChatSummary, len(chats))
		for i, c := range chats {
			out[i] = Summarize(c)
		}
		return mcpJSON(out)
	}
}

func mcpGetChat(store ChatStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil || id <= 0 {
			return mcpError("id must be a positive integer"), nil
		}

		c, err := store.GetChat(ctx, int64(id))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("chat %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get chat: %v", err)), nil
		}
		return mcpJSON(Detail(c))
	}
}

func mcpResourceRecent(store ChatStore) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		chats, err := store.ListChats(ctx, recentChats)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent chats: %w", err)
		}

		type recent struct {
			ChatSummary
			Preview string `json:"preview"`
		}
		out := make([]recent, len(chats))
		for i, c := range chats {
			out[i] = recent{ChatSummary: Summarize(c), Preview: preview(c)}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chats: %w", err)
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

// preview is the start of the last message, at most 200 runes.
func preview(c storage.Chat) string {
	if len(c.Messages) == 0 {
		return ""
	}
	text := strings.TrimSpace(c.Messages[len(c.Messages)-1].Content)
	if utf8.RuneCountInString(text) > 200 {
		text = string([]rune(text)[:200]) + "..."
	}
	return text
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
