package debugger

import (
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

// Frame is one instrumented node operation currently executing on the
// evaluation thread.
type Frame struct {
	Reason types.BreakpointReason

	// Node operations
	Node    *story.Node
	Tuple   story.Tuple
	Adapter story.AdapterRef
	Entry   story.EntryPoint

	// Rule actions. Rule is set for "then" parts, Goal for init/exit sections.
	Action      *story.RuleAction
	Rule        *story.Node
	Goal        *story.Goal
	IsInit      bool
	ActionIndex uint32

	// Trigger inputs
	Breakpoint     BreakpointID
	BreakpointType types.BreakpointType
	GlobalType     types.GlobalBreakpointType
}

// CallStack mirrors the engine's recursive descent through the node graph.
// Frames are matched by strict LIFO order and reason, never by node identity,
// since one node can sit at several depths at once for different tuples.
type CallStack struct {
	frames []Frame
}

// Push appends a frame
func (s *CallStack) Push(f Frame) {
	s.frames = append(s.frames, f)
}

// Pop removes the top frame, which must have the given reason
func (s *CallStack) Pop(reason types.BreakpointReason) error {
	n := len(s.frames)
	if n == 0 {
		return errors.StackUnderflow(reason)
	}
	if top := s.frames[n-1].Reason; top != reason {
		return errors.StackMismatch(reason, top, n)
	}
	s.frames[n-1] = Frame{}
	s.frames = s.frames[:n-1]
	return nil
}

// Depth returns the number of frames
func (s *CallStack) Depth() int {
	return len(s.frames)
}

// Top returns the innermost frame
func (s *CallStack) Top() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Snapshot copies the frames, outermost first
func (s *CallStack) Snapshot() []Frame {
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Reset drops every frame
func (s *CallStack) Reset() {
	clear(s.frames)
	s.frames = s.frames[:0]
}
