package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/promptlab/internal/catalog"
	"github.com/kalambet/promptlab/internal/progress"
	"github.com/kalambet/promptlab/internal/storage"
)

// MCPTurnReader abstracts conversation reads for the MCP layer.
type MCPTurnReader interface {
	ListTurns(ctx context.Context, userID string, taskID int) ([]storage.Turn, error)
}

// MCPDeps holds dependencies for the MCP server. Every tool is read-only.
type MCPDeps struct {
	Turns     MCPTurnReader
	Catalog   *catalog.Catalog
	Tracker   *progress.Tracker
	Sequencer *progress.Sequencer
}

// NewMCPServer creates an MCP server exposing study data to research tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"promptlab",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("promptlab: read-only access to study tasks, participant conversations and progress."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the study tasks in order."),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Return every stored turn of one participant's conversation for a task, ordered by turn number."),
			mcp.WithString("user_id", mcp.Description("Participant id"), mcp.Required()),
			mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("get_completed_tasks",
			mcp.WithDescription("List the task ids a participant has submitted at least one prompt for."),
			mcp.WithString("user_id", mcp.Description("Participant id"), mcp.Required()),
		),
		mcpGetCompletedTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("get_progress",
			mcp.WithDescription("Summarize where a participant is in the task sequence."),
			mcp.WithString("user_id", mcp.Description("Participant id"), mcp.Required()),
		),
		mcpGetProgress(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"study://tasks",
			"Study Tasks",
			mcp.WithResourceDescription("All study tasks as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTasks(deps),
	)

	return s
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Catalog.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing tasks failed: %v", err)), nil
		}
		return mcpJSON(tasks)
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}
		taskID := req.GetInt("task_id", 0)
		if taskID <= 0 {
			return mcpError("task_id must be a positive integer"), nil
		}

		turns, err := deps.Turns.ListTurns(ctx, userID, taskID)
		if err != nil {
			return mcpError(fmt.Sprintf("reading conversation failed: %v", err)), nil
		}
		return mcpJSON(turns)
	}
}

func mcpGetCompletedTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}

		ids, err := deps.Tracker.Completed(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("reading completed tasks failed: %v", err)), nil
		}
		return mcpJSON(ids)
	}
}

type progressSummary struct {
	UserID     string `json:"user_id"`
	Completed  []int  `json:"completed"`
	Accessible []int  `json:"accessible"`
	TaskCount  int    `json:"task_count"`
	Current    int    `json:"current,omitempty"`
	Complete   bool   `json:"complete"`
}

func mcpGetProgress(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}

		completed, err := deps.Tracker.Completed(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("reading completed tasks failed: %v", err)), nil
		}

		sum := progressSummary{
			UserID:     userID,
			Completed:  completed,
			Accessible: []int{},
			TaskCount:  deps.Sequencer.TaskCount(),
		}
		for k := 1; k <= sum.TaskCount; k++ {
			if deps.Sequencer.CanAccess(completed, k) {
				sum.Accessible = append(sum.Accessible, k)
			}
		}
		st := deps.Sequencer.Resume(completed)
		sum.Current = st.Task
		sum.Complete = st.Complete
		return mcpJSON(sum)
	}
}

func mcpResourceTasks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tasks, err := deps.Catalog.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}

		b, err := json.Marshal(tasks)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tasks: %w", err)
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
