package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/meirobo/internal/corpus"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/storage"
)

// MCPDeps holds dependencies for the operator MCP server.
type MCPDeps struct {
	Corpus    *corpus.Index
	Retrieval Querier // optional; query_acervo reports an error without it
	Quota     *quota.Ledger
	Profiles  *profile.Manager
}

// NewMCPServer creates an MCP server exposing the acervo tools to operators.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"meirobo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("meirobo: manage and query the document collection (acervo) of a tenant."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_acervo",
			mcp.WithDescription("Answer a question from the tenant's documents, as the assistant would."),
			mcp.WithString("tenant", mcp.Description("Tenant id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Question to answer"), mcp.Required()),
			mcp.WithNumber("max_tokens", mcp.Description("Answer token budget (default from config)")),
		),
		mcpQueryAcervo(deps),
	)

	s.AddTool(
		mcp.NewTool("list_acervo",
			mcp.WithDescription("List the tenant's documents by priority, then most recent."),
			mcp.WithString("tenant", mcp.Description("Tenant id"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Only entries carrying all these tags")),
			mcp.WithString("type", mcp.Description("Only entries of this type")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListAcervo(deps),
	)

	s.AddTool(
		mcp.NewTool("add_freeform",
			mcp.WithDescription("Add operator-written text to the tenant's documents."),
			mcp.WithString("tenant", mcp.Description("Tenant id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The text to store"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Entry title")),
			mcp.WithString("type", mcp.Description("Entry type, e.g. faq or policy")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
			mcp.WithNumber("priority", mcp.Description("1 (highest) to 3")),
		),
		mcpAddFreeform(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_usage",
			mcp.WithDescription("Report the tenant's stored bytes against its quota."),
			mcp.WithString("tenant", mcp.Description("Tenant id"), mcp.Required()),
		),
		mcpQuotaUsage(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return the tenant's business profile as JSON."),
			mcp.WithString("tenant", mcp.Description("Tenant id"), mcp.Required()),
		),
		mcpGetProfile(deps),
	)

	return s
}

func mcpQueryAcervo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		if deps.Retrieval == nil {
			return mcpError("retrieval is not configured"), nil
		}
		res, err := deps.Retrieval.Query(ctx, tenant, question, req.GetInt("max_tokens", 0))
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpListAcervo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		entries, err := deps.Corpus.List(ctx, tenant, corpus.Filter{
			Tags:  req.GetStringSlice("tags", nil),
			Type:  req.GetString("type", ""),
			Limit: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing failed: %v", err)), nil
		}
		views := make([]entryView, len(entries))
		for i, e := range entries {
			views[i] = viewOf(e)
		}
		return mcpJSON(views)
	}
}

func mcpAddFreeform(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		e, err := deps.Corpus.Add(ctx, tenant, corpus.NewEntry{
			Title:       req.GetString("title", ""),
			Type:        req.GetString("type", ""),
			Tags:        req.GetStringSlice("tags", nil),
			Priority:    req.GetInt("priority", 0),
			SourceKind:  storage.SourceFreeform,
			ContentType: "text/plain",
			Data:        []byte(content),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add entry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %s (%d bytes)", e.ID, e.SizeBytes)), nil
	}
}

func mcpQuotaUsage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		u, err := deps.Quota.Usage(ctx, tenant)
		if err != nil {
			return mcpError(fmt.Sprintf("reading usage failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"tenantId":   u.TenantID,
			"usedBytes":  u.UsedBytes,
			"quotaBytes": u.QuotaBytes,
			"byCategory": u.ByCategory,
		})
	}
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		p, err := deps.Profiles.Get(ctx, tenant)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
		}
		return mcpJSON(p)
	}
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
