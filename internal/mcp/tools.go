package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the read-only inspection tools
func (s *Server) registerTools() {
	s.registerDebuggerStatus()
	s.registerDebuggerBreakpoints()
	s.registerDebuggerCallStack()
}

func (s *Server) registerDebuggerStatus() {
	tool := mcp.NewTool("debugger_status",
		mcp.WithDescription("Get the breakpoint coordinator's state: detached, running, paused or stepping. Also returns the attached session id, the loaded story generation, whether the game is initialized, the current call stack depth, the number of breakpoints and the global breakpoint mask."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.mcpServer.AddTool(tool, s.handleDebuggerStatus)
}

func (s *Server) registerDebuggerBreakpoints() {
	tool := mcp.NewTool("debugger_breakpoints",
		mcp.WithDescription("List the node, rule action and goal breakpoints set by the attached debugger client, with their type masks."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.mcpServer.AddTool(tool, s.handleDebuggerBreakpoints)
}

func (s *Server) registerDebuggerCallStack() {
	tool := mcp.NewTool("debugger_call_stack",
		mcp.WithDescription("Get the call stack of the paused rule evaluation, outermost frame first. Only available while the engine is paused at a breakpoint."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.mcpServer.AddTool(tool, s.handleDebuggerCallStack)
}
