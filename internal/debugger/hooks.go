package debugger

import (
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

// hook is the closed set of instrumentation points. Each variant knows how
// to classify itself into a Frame; the coordinator handles all of them the
// same way from there.
type hook interface {
	name() string
	frame(m *MappingCache) (Frame, error)
}

type validHook struct {
	node    *story.Node
	tuple   story.Tuple
	adapter story.AdapterRef
}

type pushDownHook struct {
	node    *story.Node
	tuple   story.Tuple
	adapter story.AdapterRef
	entry   story.EntryPoint
	deleted bool
}

type insertHook struct {
	node    *story.Node
	tuple   story.Tuple
	deleted bool
}

type ruleActionHook struct {
	action *story.RuleAction
}

var (
	_ hook = validHook{}
	_ hook = pushDownHook{}
	_ hook = insertHook{}
	_ hook = ruleActionHook{}
)

func (validHook) name() string      { return "valid" }
func (pushDownHook) name() string   { return "pushdown" }
func (insertHook) name() string     { return "insert" }
func (ruleActionHook) name() string { return "ruleaction" }

func (h validHook) frame(*MappingCache) (Frame, error) {
	return Frame{
		Reason:         types.NodeIsValid,
		Node:           h.node,
		Tuple:          h.tuple,
		Adapter:        h.adapter,
		Breakpoint:     NodeBreakpointID(h.node.ID),
		BreakpointType: types.BreakOnValid,
		GlobalType:     types.GlobalBreakOnValid,
	}, nil
}

func (h pushDownHook) frame(*MappingCache) (Frame, error) {
	reason := types.NodePushDownTuple
	if h.deleted {
		reason = types.NodePushDownTupleDelete
	}
	return Frame{
		Reason:         reason,
		Node:           h.node,
		Tuple:          h.tuple,
		Adapter:        h.adapter,
		Entry:          h.entry,
		Breakpoint:     NodeBreakpointID(h.node.ID),
		BreakpointType: types.BreakOnPushDown,
		GlobalType:     types.GlobalBreakOnPushDown,
	}, nil
}

func (h insertHook) frame(*MappingCache) (Frame, error) {
	reason := types.NodeInsertTuple
	if h.deleted {
		reason = types.NodeDeleteTuple
	}
	return Frame{
		Reason:         reason,
		Node:           h.node,
		Tuple:          h.tuple,
		Breakpoint:     NodeBreakpointID(h.node.ID),
		BreakpointType: types.BreakOnInsert,
		GlobalType:     types.GlobalBreakOnInsert,
	}, nil
}

func (h ruleActionHook) frame(m *MappingCache) (Frame, error) {
	mapping, err := m.Resolve(h.action)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		Action:      h.action,
		Rule:        mapping.Rule,
		Goal:        mapping.Goal,
		IsInit:      mapping.IsInit,
		ActionIndex: mapping.ActionIndex,
	}
	switch {
	case mapping.Rule != nil:
		f.Reason = types.RuleActionCall
		f.Node = mapping.Rule
		f.Breakpoint = RuleActionBreakpointID(mapping.Rule.ID, mapping.ActionIndex)
		f.BreakpointType = types.BreakOnRuleAction
		f.GlobalType = types.GlobalBreakOnRuleAction
	case mapping.IsInit:
		f.Reason = types.GoalInitCall
		f.Breakpoint = GoalInitBreakpointID(mapping.Goal.ID, mapping.ActionIndex)
		f.BreakpointType = types.BreakOnInitCall
		f.GlobalType = types.GlobalBreakOnInitCall
	default:
		f.Reason = types.GoalExitCall
		f.Breakpoint = GoalExitBreakpointID(mapping.Goal.ID, mapping.ActionIndex)
		f.BreakpointType = types.BreakOnExitCall
		f.GlobalType = types.GlobalBreakOnExitCall
	}
	return f, nil
}
