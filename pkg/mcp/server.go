package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quotawatch/quotawatch/pkg/client"
	"github.com/quotawatch/quotawatch/pkg/engine"
)

// Server adapts the quotawatch daemon to the Model Context Protocol, so
// agents can check how much of their rate-limit budget remains before
// starting expensive work.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance talking to the daemon at apiURL.
func NewServer(apiURL, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"quotawatch",
			version,
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// quotawatch://usage
	s.mcpServer.AddResource(mcp.NewResource(
		"quotawatch://usage",
		"Current Usage Windows",
		mcp.WithResourceDescription("Orchestrator state and the latest session/weekly utilization snapshot"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadUsage)

	// quotawatch://events
	s.mcpServer.AddResource(mcp.NewResource(
		"quotawatch://events",
		"Quotawatch Event Log",
		mcp.WithResourceDescription("Recent status events: snapshots, auth transitions, errors"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadEvents)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_usage",
		mcp.WithDescription("Get the current session and weekly rate-limit utilization. Returns percentages and reset times."),
	), s.handleGetUsage)

	s.mcpServer.AddTool(mcp.NewTool(
		"refresh_usage",
		mcp.WithDescription("Ask the daemon to poll the usage API now instead of waiting for the next cadence tick."),
	), s.handleRefreshUsage)
}

// --- Handlers ---

func (s *Server) handleReadUsage(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	status, err := s.apiClient.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadEvents(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	events, err := s.apiClient.GetEvents(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.apiClient.GetStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(status)), nil
}

func (s *Server) handleRefreshUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.apiClient.TriggerRefresh(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("Refresh requested. Read quotawatch://usage shortly for the updated snapshot."), nil
}

// formatStatus renders a status for tool output.
func formatStatus(status engine.Status) string {
	if status.Snapshot == nil {
		return fmt.Sprintf("State: %s\nNo usage snapshot observed yet.", status.State)
	}
	snap := status.Snapshot
	out := fmt.Sprintf("State: %s\nSession window: %.1f%% used", status.State, snap.SessionUtilization)
	if !snap.SessionResetsAt.IsZero() {
		out += fmt.Sprintf(" (resets %s)", snap.SessionResetsAt.Format(time.RFC3339))
	}
	if snap.HasWeekly {
		out += fmt.Sprintf("\nWeekly window: %.1f%% used", snap.WeeklyUtilization)
		if !snap.WeeklyResetsAt.IsZero() {
			out += fmt.Sprintf(" (resets %s)", snap.WeeklyResetsAt.Format(time.RFC3339))
		}
	}
	if status.ConsecutiveErrors > 0 {
		out += fmt.Sprintf("\nConsecutive poll failures: %d", status.ConsecutiveErrors)
	}
	return out
}
