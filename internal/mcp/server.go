// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes the debugger's state through read-only MCP tools so
// an assistant can follow a debug session without driving it:
//   - debugger_status: coordinator state, session, story generation, counts
//   - debugger_breakpoints: the active breakpoint registry
//   - debugger_call_stack: the paused evaluation thread's call stack
package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/version"
)

// Server wraps the MCP server with debugger inspection tools
type Server struct {
	mcpServer *server.MCPServer
	coord     *debugger.Coordinator
	logger    *slog.Logger
}

// NewServer creates an MCP server over coord
func NewServer(coord *debugger.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}

	mcpServer := server.NewMCPServer(
		"osidbg",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		coord:     coord,
		logger:    log.WithComponent(logger, "mcp"),
	}

	s.registerTools()

	return s
}

// registerTools is defined in tools.go

// Serve speaks MCP over the given streams until ctx is cancelled or in is
// exhausted
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp inspection server started")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}
