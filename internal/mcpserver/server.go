// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes run operations as typed tools over stdio JSON-RPC. It lets an
// agent list runs, read event history, send input, and close runs without
// going through the HTTP facade.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/dispatch/internal/config"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/session"
)

// runStore is the slice of the event store the tools need.
type runStore interface {
	ListRuns(kind, status string) ([]db.Run, error)
}

// runService is the slice of the orchestrator the tools need.
type runService interface {
	History(runID string, fromSeq int64, limit int) ([]db.Event, error)
	Input(runID string, data []byte) error
	Close(ctx context.Context, runID string) error
	IsLive(runID string) bool
}

// Server holds the MCP server state.
type Server struct {
	store runStore
	orch  runService
}

// NewServer creates an MCP server backed by the given store and orchestrator.
func NewServer(store runStore, orch runService) *Server {
	return &Server{store: store, orch: orch}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed.
func Run(ctx context.Context, store *db.DB, orch *session.Orchestrator) error {
	s := NewServer(store, orch)

	mcpServer := server.NewMCPServer(
		"dispatch",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: listRunsTool(), Handler: s.handleListRuns},
		server.ServerTool{Tool: readHistoryTool(), Handler: s.handleReadHistory},
		server.ServerTool{Tool: sendInputTool(), Handler: s.handleSendInput},
		server.ServerTool{Tool: closeRunTool(), Handler: s.handleCloseRun},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
