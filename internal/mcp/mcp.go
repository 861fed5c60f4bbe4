// Package mcp implements the Model Context Protocol server for featurespec.
//
// Agents generate feature specifications through the generate_feature tool,
// browse the execution trace through run_history and run_detail, and read
// backend and credential state from the featurespec://status resource.
package mcp

import (
	"context"
	"iter"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/service/orchestrator"
	"github.com/ashita-ai/featurespec/internal/service/status"
)

// Executor runs feature requests.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// TraceReader is the read side of the trace store.
type TraceReader interface {
	RunHistory(ctx context.Context, limit int, filter model.RunFilter) iter.Seq2[model.Run, error]
	GetRunDetail(ctx context.Context, runID int64) (model.RunDetail, error)
}

// StatusReporter computes the status report.
type StatusReporter interface {
	Compute(ctx context.Context) *status.Report
}

// Server wraps the MCP server with featurespec's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	exec      Executor
	traces    TraceReader
	status    StatusReporter
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(exec Executor, traces TraceReader, st StatusReporter, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{exec: exec, traces: traces, status: st, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"featurespec",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return mcplib.NewToolResultError(msg)
}
