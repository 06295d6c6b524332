package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/dispatch/internal/db"
)

// --- Tool Definitions ---

func listRunsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_runs",
		"List runs, optionally filtered by kind or status.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"kind": {
					"type": "string",
					"description": "Filter by adapter kind (pty, claude, file-editor)"
				},
				"status": {
					"type": "string",
					"enum": ["starting", "running", "stopped", "crashed"],
					"description": "Filter by run status"
				}
			}
		}`),
	)
}

func readHistoryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"read_history",
		"Read recorded events for a run, in sequence order starting at from_seq.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"run_id": {
					"type": "string",
					"description": "Run identifier"
				},
				"from_seq": {
					"type": "integer",
					"description": "First sequence number to return (default: 1)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of events to return (default: 500, max: 1000)"
				}
			},
			"required": ["run_id"]
		}`),
	)
}

func sendInputTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"send_input",
		"Send input bytes to a live run. Fails if the run is not live.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"run_id": {
					"type": "string",
					"description": "Run identifier"
				},
				"data": {
					"type": "string",
					"description": "Input to deliver to the run's adapter"
				}
			},
			"required": ["run_id", "data"]
		}`),
	)
}

func closeRunTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"close_run",
		"Request graceful shutdown of a run. A run that is already stopped is left as-is.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"run_id": {
					"type": "string",
					"description": "Run identifier"
				}
			},
			"required": ["run_id"]
		}`),
	)
}

// --- Tool Handlers ---

// runSummary mirrors the list_runs response.
type runSummary struct {
	RunID         string `json:"run_id"`
	Kind          string `json:"kind"`
	WorkspacePath string `json:"workspace_path"`
	Status        string `json:"status"`
	Live          bool   `json:"live"`
	CreatedAt     int64  `json:"created_at"`
}

type listRunsArgs struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listRunsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	runs, err := s.store.ListRuns(args.Kind, args.Status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}

	summaries := make([]runSummary, len(runs))
	for i, run := range runs {
		summaries[i] = runSummary{
			RunID:         run.RunID,
			Kind:          run.Kind,
			WorkspacePath: run.WorkspacePath,
			Status:        run.Status,
			Live:          s.orch.IsLive(run.RunID),
			CreatedAt:     run.CreatedAt,
		}
	}

	return resultJSON(summaries)
}

type readHistoryArgs struct {
	RunID   string `json:"run_id"`
	FromSeq int64  `json:"from_seq"`
	Limit   int    `json:"limit"`
}

// historyResult is the success response for read_history.
type historyResult struct {
	Events  []db.Event `json:"events"`
	NextSeq int64      `json:"next_seq"`
}

func (s *Server) handleReadHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args readHistoryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if args.RunID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if args.FromSeq < 1 {
		args.FromSeq = 1
	}

	events, err := s.orch.History(args.RunID, args.FromSeq, args.Limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read history: %v", err)), nil
	}

	next := args.FromSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq + 1
	}
	if events == nil {
		events = []db.Event{}
	}
	return resultJSON(historyResult{Events: events, NextSeq: next})
}

type sendInputArgs struct {
	RunID string `json:"run_id"`
	Data  string `json:"data"`
}

func (s *Server) handleSendInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sendInputArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if args.RunID == "" || args.Data == "" {
		return mcp.NewToolResultError("run_id and data are required"), nil
	}

	if err := s.orch.Input(args.RunID, []byte(args.Data)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send input: %v", err)), nil
	}

	return resultJSON(map[string]string{"status": "sent"})
}

type closeRunArgs struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleCloseRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args closeRunArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if args.RunID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if err := s.orch.Close(ctx, args.RunID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("close run: %v", err)), nil
	}

	return resultJSON(map[string]string{"status": "closing"})
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
