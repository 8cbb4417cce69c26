package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkaran/stanza/internal/assembler"
	"github.com/mkaran/stanza/internal/persona"
	"github.com/mkaran/stanza/internal/pipeline"
	"github.com/mkaran/stanza/internal/provider"
	"github.com/mkaran/stanza/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Runner *pipeline.Runner
}

// NewMCPServer creates an MCP server exposing the prompt pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"stanza",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("stanza — persona profile store and prompt assembly pipeline."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List persona profiles with their status and section counts."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of profiles (default 20)")),
		),
		mcpListProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("preview_prompt",
			mcp.WithDescription("Select and assemble a prompt for a profile without calling the model."),
			mcp.WithString("profile", mcp.Description("Profile id or slug"), mcp.Required()),
			mcp.WithString("request", mcp.Description("The user request to select sections against"), mcp.Required()),
			mcp.WithArray("keywords", mcp.Description("Optional context keyword hints")),
			mcp.WithNumber("max_budget", mcp.Description("Optional prompt size budget; 0 means unlimited")),
		),
		mcpPreviewPrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("run_profile",
			mcp.WithDescription("Assemble a prompt for a profile and execute it against the configured model."),
			mcp.WithString("profile", mcp.Description("Profile id or slug"), mcp.Required()),
			mcp.WithString("request", mcp.Description("The user request"), mcp.Required()),
			mcp.WithArray("keywords", mcp.Description("Optional context keyword hints")),
		),
		mcpRunProfile(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"stanza://profiles",
			"Persona Profiles",
			mcp.WithResourceDescription("All non-deleted persona profiles as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfiles(deps),
	)

	return s
}

// resolveProfileID accepts either an id or a slug.
func resolveProfileID(store *storage.Store, ref string) (string, error) {
	if _, err := store.GetProfile(ref); err == nil {
		return ref, nil
	}
	p, err := store.GetProfileBySlug(ref)
	if err != nil {
		return "", fmt.Errorf("no profile with id or slug %q", ref)
	}
	return p.ID, nil
}

func mcpListProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		profiles, err := deps.Store.ListProfiles(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing profiles: %v", err)), nil
		}

		type profileSummary struct {
			ID       string `json:"id"`
			Slug     string `json:"slug"`
			Name     string `json:"name"`
			Status   string `json:"status"`
			Primary  bool   `json:"primary"`
			Sections int    `json:"sections"`
		}
		summaries := make([]profileSummary, len(profiles))
		for i, p := range profiles {
			count, err := deps.Store.CountSections(p.ID)
			if err != nil {
				return mcpError(fmt.Sprintf("counting sections for %s: %v", p.ID, err)), nil
			}
			summaries[i] = profileSummary{
				ID:       p.ID,
				Slug:     p.Slug,
				Name:     p.Name,
				Status:   string(p.Status),
				Primary:  p.Primary,
				Sections: count,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling profiles: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPreviewPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("profile")
		if err != nil {
			return mcpError("profile is required"), nil
		}
		request, err := req.RequireString("request")
		if err != nil {
			return mcpError("request is required"), nil
		}

		profileID, err := resolveProfileID(deps.Store, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		sc := persona.SelectionContext{
			Request:  request,
			Keywords: req.GetStringSlice("keywords", nil),
		}
		opts := assembler.Options{MaxBudget: req.GetInt("max_budget", 0)}

		prompt, err := deps.Runner.Preview(ctx, profileID, sc, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("preview failed: %v", err)), nil
		}

		b, err := json.Marshal(prompt)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling prompt: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("profile")
		if err != nil {
			return mcpError("profile is required"), nil
		}
		request, err := req.RequireString("request")
		if err != nil {
			return mcpError("request is required"), nil
		}

		profileID, err := resolveProfileID(deps.Store, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		sc := persona.SelectionContext{
			Request:  request,
			Keywords: req.GetStringSlice("keywords", nil),
		}
		execOpts := provider.ExecutionOptions{TraceID: uuid.NewString()}

		result, err := deps.Runner.Run(ctx, profileID, sc, assembler.Options{}, execOpts)
		if err != nil {
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}

		return mcpText(result.Text), nil
	}
}

func mcpResourceProfiles(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		profiles, err := deps.Store.ListProfiles(100)
		if err != nil {
			return nil, fmt.Errorf("listing profiles: %w", err)
		}

		type profileEntry struct {
			ID        string    `json:"id"`
			Slug      string    `json:"slug"`
			Name      string    `json:"name"`
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Primary   bool      `json:"primary"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		entries := make([]profileEntry, len(profiles))
		for i, p := range profiles {
			entries[i] = profileEntry{
				ID:        p.ID,
				Slug:      p.Slug,
				Name:      p.Name,
				Status:    string(p.Status),
				Version:   p.Version,
				Primary:   p.Primary,
				UpdatedAt: p.UpdatedAt,
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("marshaling profiles: %w", err)
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
