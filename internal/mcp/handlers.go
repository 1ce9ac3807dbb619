package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/pkg/types"
)

type statusResult struct {
	State         string `json:"state"`
	SessionID     string `json:"sessionId,omitempty"`
	StoryLoaded   bool   `json:"storyLoaded"`
	Generation    uint32 `json:"generation,omitempty"`
	Initialized   bool   `json:"initialized"`
	Depth         int    `json:"depth"`
	Breakpoints   int    `json:"breakpoints"`
	GlobalMask    uint32 `json:"globalMask"`
	MappedActions int    `json:"mappedActions"`
}

type breakpointResult struct {
	ID          string `json:"id"`
	Class       string `json:"class"`
	NodeID      uint32 `json:"nodeId,omitempty"`
	GoalID      uint32 `json:"goalId,omitempty"`
	IsInit      bool   `json:"isInit,omitempty"`
	ActionIndex uint32 `json:"actionIndex"`
	Type        string `json:"type"`
}

type callStackResult struct {
	Depth  int                `json:"depth"`
	Frames []types.StackFrame `json:"frames"`
}

func (s *Server) handleDebuggerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.coord.Status()
	return jsonResult(statusResult{
		State:         st.State.String(),
		SessionID:     st.SessionID,
		StoryLoaded:   st.StoryLoaded,
		Generation:    st.Generation,
		Initialized:   st.Initialized,
		Depth:         st.Depth,
		Breakpoints:   st.Breakpoints,
		GlobalMask:    uint32(st.GlobalMask),
		MappedActions: st.MappedActions,
	})
}

func (s *Server) handleDebuggerBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bps := s.coord.Breakpoints()
	out := make([]breakpointResult, 0, len(bps))
	for _, bp := range bps {
		id := bp.ID()
		out = append(out, breakpointResult{
			ID:          id.String(),
			Class:       id.Class().String(),
			NodeID:      uint32(bp.NodeID),
			GoalID:      uint32(bp.GoalID),
			IsInit:      bp.IsInit,
			ActionIndex: bp.ActionIndex,
			Type:        bp.Type.String(),
		})
	}
	return jsonResult(out)
}

func (s *Server) handleDebuggerCallStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	frames, err := s.coord.CallStack()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", errors.ResultCode(err), err.Error())), nil
	}
	return jsonResult(callStackResult{
		Depth:  len(frames),
		Frames: protocol.StackFrames(frames),
	})
}

// Helper functions

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
