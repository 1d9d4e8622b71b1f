package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/siphon/internal/poller"
	"github.com/kalambet/siphon/internal/storage"
)

// FeedChecker abstracts the poll orchestrator for the API layer.
type FeedChecker interface {
	CheckFeeds(ctx context.Context, sourceType string) ([]poller.Outcome, error)
}

// ClipExtractor abstracts clip extraction for the API layer.
type ClipExtractor interface {
	Extract(mediaRef string, start, end, buffer float64, name string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Checker   FeedChecker
	Extractor ClipExtractor
}

// NewMCPServer creates an MCP server with all siphon tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"siphon",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("siphon — local feed aggregator with transcript search and clip extraction."),
		server.WithRecovery(),
	)

	typeHint := "Source type: one of news, forum, aggregator, codehost, preprint, video, podcast, social"

	s.AddTool(
		mcp.NewTool("subscribe",
			mcp.WithDescription("Subscribe to a content source. Subscribing again to the same identifier updates its metadata."),
			mcp.WithString("type", mcp.Description(typeHint), mcp.Required()),
			mcp.WithString("identifier", mcp.Description("Source identifier: feed URL, subreddit, owner/repo, arXiv category, channel ID/@handle, or profile URL"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Optional display name")),
		),
		mcpSubscribe(deps),
	)

	s.AddTool(
		mcp.NewTool("unsubscribe",
			mcp.WithDescription("Remove a subscription and all content ingested from it."),
			mcp.WithString("type", mcp.Description(typeHint), mcp.Required()),
			mcp.WithString("identifier", mcp.Description("The subscription's identifier"), mcp.Required()),
		),
		mcpUnsubscribe(deps),
	)

	s.AddTool(
		mcp.NewTool("list_subscriptions",
			mcp.WithDescription("List all subscriptions in creation order."),
		),
		mcpListSubscriptions(deps),
	)

	s.AddTool(
		mcp.NewTool("check_feeds",
			mcp.WithDescription("Poll all subscriptions for new content and queue transcription for new audio-bearing items. Returns a per-source outcome list."),
			mcp.WithString("type", mcp.Description("Optional: only poll this source type")),
		),
		mcpCheckFeeds(deps),
	)

	s.AddTool(
		mcp.NewTool("search_feeds",
			mcp.WithDescription("Full-text search over ingested titles, bodies, and transcripts. Supports AND, OR, NOT, \"exact phrases\", and parentheses."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Optional: restrict to one source type")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchFeeds(deps),
	)

	s.AddTool(
		mcp.NewTool("get_feed_items",
			mcp.WithDescription("List recently ingested items, newest first."),
			mcp.WithString("source", mcp.Description("Optional: a subscription identifier (requires type)")),
			mcp.WithString("type", mcp.Description("Optional: restrict to one source type")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 20)")),
		),
		mcpGetFeedItems(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_clip",
			mcp.WithDescription("Cut a sub-clip from a media source by time range, typically taken from a searched transcript segment."),
			mcp.WithString("media_ref", mcp.Description("Media URL or local path"), mcp.Required()),
			mcp.WithNumber("start", mcp.Description("Clip start in seconds"), mcp.Required()),
			mcp.WithNumber("end", mcp.Description("Clip end in seconds"), mcp.Required()),
			mcp.WithNumber("buffer", mcp.Description("Padding in seconds on each side (default 3)")),
			mcp.WithString("name", mcp.Description("Optional output filename")),
		),
		mcpExtractClip(deps),
	)

	return s
}

func mcpSubscribe(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceType, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		identifier, err := req.RequireString("identifier")
		if err != nil {
			return mcpError("identifier is required"), nil
		}
		name := req.GetString("name", "")

		sub, err := subscribeOp(deps.Store, sourceType, identifier, name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(toSubscriptionJSON(sub))
	}
}

func mcpUnsubscribe(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceType, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		identifier, err := req.RequireString("identifier")
		if err != nil {
			return mcpError("identifier is required"), nil
		}

		removed, err := unsubscribeOp(deps.Store, sourceType, identifier)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if !removed {
			return mcpText(fmt.Sprintf("No subscription found for %s %q", sourceType, identifier)), nil
		}
		return mcpText(fmt.Sprintf("Unsubscribed from %s %q and removed its content", sourceType, identifier)), nil
	}
}

func mcpListSubscriptions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subs, err := deps.Store.ListSubscriptions("")
		if err != nil {
			return mcpError(fmt.Sprintf("listing subscriptions: %v", err)), nil
		}
		out := make([]subscriptionJSON, len(subs))
		for i, sub := range subs {
			out[i] = toSubscriptionJSON(sub)
		}
		return mcpJSON(out)
	}
}

func mcpCheckFeeds(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceType := req.GetString("type", "")
		if sourceType != "" {
			if err := validateSourceType(sourceType); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		outcomes, err := deps.Checker.CheckFeeds(ctx, sourceType)
		if err != nil {
			return mcpError(fmt.Sprintf("check failed: %v", err)), nil
		}
		return mcpJSON(outcomes)
	}
}

func mcpSearchFeeds(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		sourceType := req.GetString("type", "")
		limit := clampLimit(req.GetInt("limit", 20))

		results, err := searchOp(deps.Store, q, sourceType, limit)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		out := make([]searchResultJSON, len(results))
		for i, r := range results {
			out[i] = toSearchResultJSON(r)
		}
		return mcpJSON(out)
	}
}

func mcpGetFeedItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identifier := req.GetString("source", "")
		sourceType := req.GetString("type", "")
		limit := clampLimit(req.GetInt("limit", 20))

		items, err := itemsOp(deps.Store, sourceType, identifier, limit)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		out := make([]itemJSON, len(items))
		for i, item := range items {
			out[i] = toItemJSON(item)
		}
		return mcpJSON(out)
	}
}

func mcpExtractClip(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mediaRef, err := req.RequireString("media_ref")
		if err != nil {
			return mcpError("media_ref is required"), nil
		}
		start, err := req.RequireFloat("start")
		if err != nil {
			return mcpError("start is required"), nil
		}
		end, err := req.RequireFloat("end")
		if err != nil {
			return mcpError("end is required"), nil
		}
		buffer := req.GetFloat("buffer", -1)
		name := req.GetString("name", "")

		outPath, err := deps.Extractor.Extract(mediaRef, start, end, buffer, name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(map[string]string{"output_path": outPath})
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: strings.TrimSpace(msg)},
		},
		IsError: true,
	}
}
