package debugger

import (
	"fmt"
	"sort"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

// BreakpointClass tags which identifier space a breakpoint id belongs to
type BreakpointClass uint8

const (
	ClassNode       BreakpointClass = 0
	ClassRuleAction BreakpointClass = 1
	ClassGoalInit   BreakpointClass = 2
	ClassGoalExit   BreakpointClass = 3
)

func (c BreakpointClass) String() string {
	switch c {
	case ClassNode:
		return "node"
	case ClassRuleAction:
		return "ruleaction"
	case ClassGoalInit:
		return "goalinit"
	case ClassGoalExit:
		return "goalexit"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// BreakpointID is the composite registry key.
//
//	bits  0..7   class
//	bits  8..31  action index within the rule or goal section
//	bits 32..63  node id or goal id
//
// Sections are capped at story.MaxSectionActions so the index always fits.
type BreakpointID uint64

const actionIndexMask = story.MaxSectionActions - 1

func makeBreakpointID(class BreakpointClass, owner uint32, actionIndex uint32) BreakpointID {
	return BreakpointID(uint64(owner)<<32 | uint64(actionIndex&actionIndexMask)<<8 | uint64(class))
}

// NodeBreakpointID identifies a breakpoint on a node itself
func NodeBreakpointID(node story.NodeID) BreakpointID {
	return makeBreakpointID(ClassNode, uint32(node), 0)
}

// RuleActionBreakpointID identifies a breakpoint on the n-th "then" action of a rule
func RuleActionBreakpointID(rule story.NodeID, actionIndex uint32) BreakpointID {
	return makeBreakpointID(ClassRuleAction, uint32(rule), actionIndex)
}

// GoalInitBreakpointID identifies a breakpoint on the n-th init action of a goal
func GoalInitBreakpointID(goal story.GoalID, actionIndex uint32) BreakpointID {
	return makeBreakpointID(ClassGoalInit, uint32(goal), actionIndex)
}

// GoalExitBreakpointID identifies a breakpoint on the n-th exit action of a goal
func GoalExitBreakpointID(goal story.GoalID, actionIndex uint32) BreakpointID {
	return makeBreakpointID(ClassGoalExit, uint32(goal), actionIndex)
}

// Class returns the identifier space of the id
func (id BreakpointID) Class() BreakpointClass {
	return BreakpointClass(id & 0xff)
}

func (id BreakpointID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.Class(), uint32(id>>32), uint32(id>>8)&actionIndexMask)
}

// Breakpoint is a validated registry entry
type Breakpoint struct {
	NodeID      story.NodeID
	GoalID      story.GoalID
	IsInit      bool
	ActionIndex uint32
	Type        types.BreakpointType
}

// ID derives the composite registry key
func (b Breakpoint) ID() BreakpointID {
	switch {
	case b.GoalID != 0 && b.IsInit:
		return GoalInitBreakpointID(b.GoalID, b.ActionIndex)
	case b.GoalID != 0:
		return GoalExitBreakpointID(b.GoalID, b.ActionIndex)
	case b.Type&types.BreakOnRuleAction != 0:
		return RuleActionBreakpointID(b.NodeID, b.ActionIndex)
	default:
		return NodeBreakpointID(b.NodeID)
	}
}

// NewBreakpoint validates a client breakpoint against the loaded story.
//
// A non-zero goal id selects a goal section action and must carry exactly the
// init or exit call bit matching IsInit. The rule action bit selects a "then"
// action of a rule node and must be the only bit. Anything else is a node
// breakpoint limited to the valid, push-down and insert bits.
func NewBreakpoint(db *story.Database, spec types.BreakpointSpec) (Breakpoint, error) {
	bp := Breakpoint{
		NodeID:      story.NodeID(spec.NodeID),
		GoalID:      story.GoalID(spec.GoalID),
		IsInit:      spec.IsInit,
		ActionIndex: spec.ActionIndex,
		Type:        spec.Type,
	}

	if spec.Type == 0 || spec.Type&^types.BreakpointTypeAll != 0 {
		return bp, errors.UnsupportedBreakpointType(spec.Type, "mask is empty or has unknown bits")
	}

	switch {
	case spec.GoalID != 0:
		want := types.BreakOnExitCall
		if spec.IsInit {
			want = types.BreakOnInitCall
		}
		if spec.Type != want {
			return bp, errors.UnsupportedBreakpointType(spec.Type, fmt.Sprintf("goal breakpoints must be exactly %s", want))
		}
		goal, ok := db.Goal(bp.GoalID)
		if !ok {
			return bp, errors.InvalidNodeID("goal", spec.GoalID)
		}
		if int(spec.ActionIndex) >= len(goal.Section(spec.IsInit)) {
			return bp, errors.InvalidNodeID("goal action index", spec.ActionIndex).WithDetails("goalId", spec.GoalID)
		}

	case spec.Type&types.BreakOnRuleAction != 0:
		if spec.Type != types.BreakOnRuleAction {
			return bp, errors.UnsupportedBreakpointType(spec.Type, "rule action breakpoints cannot be combined with other types")
		}
		node, ok := db.Node(bp.NodeID)
		if !ok {
			return bp, errors.InvalidNodeID("node", spec.NodeID)
		}
		if node.Type != story.NodeRule {
			return bp, errors.UnsupportedBreakpointType(spec.Type, fmt.Sprintf("node %d is a %s node, not a rule", spec.NodeID, node.Type))
		}
		if int(spec.ActionIndex) >= len(node.Actions) {
			return bp, errors.InvalidNodeID("rule action index", spec.ActionIndex).WithDetails("nodeId", spec.NodeID)
		}

	default:
		if spec.Type&^types.NodeBreakpointTypes != 0 {
			return bp, errors.UnsupportedBreakpointType(spec.Type, "init and exit call breakpoints need a goal id")
		}
		if _, ok := db.Node(bp.NodeID); !ok {
			return bp, errors.InvalidNodeID("node", spec.NodeID)
		}
		bp.ActionIndex = 0
	}

	return bp, nil
}

// Registry holds the active breakpoints and the global mask.
//
// Registry does no locking of its own; the Coordinator guards it with the
// same mutex it uses for pause and resume.
type Registry struct {
	global  types.GlobalBreakpointType
	entries map[BreakpointID]Breakpoint
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[BreakpointID]Breakpoint)}
}

// Set inserts or overwrites a breakpoint
func (r *Registry) Set(bp Breakpoint) {
	r.entries[bp.ID()] = bp
}

// Clear removes one breakpoint
func (r *Registry) Clear(id BreakpointID) {
	delete(r.entries, id)
}

// ClearBreakpoints removes every node, rule and goal breakpoint, keeping the global mask
func (r *Registry) ClearBreakpoints() {
	clear(r.entries)
}

// ClearAll empties the registry and resets the global mask
func (r *Registry) ClearAll() {
	r.ClearBreakpoints()
	r.global = 0
}

// Lookup returns the type mask registered under id
func (r *Registry) Lookup(id BreakpointID) (types.BreakpointType, bool) {
	bp, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return bp.Type, true
}

// Global returns the global breakpoint mask
func (r *Registry) Global() types.GlobalBreakpointType {
	return r.global
}

// SetGlobal replaces the global breakpoint mask
func (r *Registry) SetGlobal(mask types.GlobalBreakpointType) {
	r.global = mask
}

// Len returns the number of breakpoints
func (r *Registry) Len() int {
	return len(r.entries)
}

// List returns the breakpoints ordered by id
func (r *Registry) List() []Breakpoint {
	ids := make([]BreakpointID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Breakpoint, len(ids))
	for i, id := range ids {
		out[i] = r.entries[id]
	}
	return out
}
