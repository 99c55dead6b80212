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

	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/loop"
	"github.com/kalambet/glimpse/internal/storage"
)

// CycleFunc runs one capture cycle with the given prompt. An empty prompt
// uses the configured default.
type CycleFunc func(ctx context.Context, prompt string) (loop.Outcome, error)

// MCPDeps holds dependencies for the MCP server. Nil members disable the
// tools that need them.
type MCPDeps struct {
	Describe   CycleFunc
	Transcribe CycleFunc
	Store      ObservationReader
	State      StateFunc
	Version    string
}

// NewMCPServer creates an MCP server exposing single-shot capture tools and
// the observation history.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"glimpse",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("glimpse captures the user's screen or microphone and describes or transcribes it with a local model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("describe_screen",
			mcp.WithDescription("Take a screenshot of the user's screen and describe it with the local vision model."),
			mcp.WithString("prompt", mcp.Description("What to ask about the screenshot (optional)")),
		),
		mcpCycle(deps.Describe, "screen capture"),
	)

	s.AddTool(
		mcp.NewTool("transcribe_audio",
			mcp.WithDescription("Record a short clip from the microphone and transcribe it with the local model."),
			mcp.WithString("prompt", mcp.Description("Instruction for the model (optional)")),
		),
		mcpCycle(deps.Transcribe, "audio capture"),
	)

	s.AddTool(
		mcp.NewTool("recent_observations",
			mcp.WithDescription("List the most recent recorded observations, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("kind", mcp.Description("Filter by kind: screenshot or audio")),
		),
		mcpRecentObservations(deps),
	)

	s.AddTool(
		mcp.NewTool("loop_state",
			mcp.WithDescription("Report the phase and counters of the running capture loop."),
		),
		mcpLoopState(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"glimpse://observations/recent",
			"Recent Observations",
			mcp.WithResourceDescription("Last 10 observations (responses truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCycle(run CycleFunc, what string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if run == nil {
			return mcpError(what + " is not available"), nil
		}
		out, err := run(ctx, req.GetString("prompt", ""))
		if err != nil {
			return mcpError(describeCycleError(err)), nil
		}
		if out.Status == loop.StatusDegraded && out.Result.Text == "" {
			return mcpError(describeCycleError(out.Err)), nil
		}
		text := out.Result.Text
		if !out.Result.Complete() {
			text += "\n[response incomplete]"
		}
		return mcpText(text), nil
	}
}

func describeCycleError(err error) string {
	var ierr *inference.Error
	switch {
	case err == nil:
		return "no response"
	case errors.Is(err, capture.ErrUnavailable):
		return fmt.Sprintf("capture unavailable: %v", err)
	case errors.Is(err, inference.ErrServerUnreachable):
		return fmt.Sprintf("inference server unreachable: %v", err)
	case errors.As(err, &ierr):
		return fmt.Sprintf("inference failed: %v", err)
	}
	return err.Error()
}

func mcpRecentObservations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpError("history is disabled"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}
		list, err := deps.Store.ListObservations(ctx, storage.ListFilter{Kind: req.GetString("kind", ""), Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("listing observations failed: %v", err)), nil
		}
		out := make([]Observation, len(list))
		for i, o := range list {
			out[i] = ObservationFrom(o)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal observations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLoopState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.State == nil {
			return mcpError("no capture loop is running"), nil
		}
		st, err := deps.State(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("no capture loop is reachable: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal state: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Store == nil {
			return nil, errors.New("history is disabled")
		}
		list, err := deps.Store.ListObservations(ctx, storage.ListFilter{Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to list observations: %w", err)
		}

		type observationSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Kind      string `json:"kind"`
			Response  string `json:"response"`
		}
		summaries := make([]observationSummary, len(list))
		for i, o := range list {
			summaries[i] = observationSummary{
				ID:        o.ID,
				CreatedAt: o.CreatedAt.Format(time.RFC3339),
				Kind:      o.Kind,
				Response:  truncateRunes(o.Response, 200),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal observations: %w", err)
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

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
