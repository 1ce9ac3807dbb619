package protocol

import (
	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

// TupleValues converts a tuple to its wire form
func TupleValues(t story.Tuple) []types.TupleValue {
	if len(t) == 0 {
		return nil
	}
	out := make([]types.TupleValue, len(t))
	for i, v := range t {
		out[i] = types.TupleValue{Type: v.Type.String(), Value: v.String()}
	}
	return out
}

// StackFrames converts a call stack snapshot, outermost frame first
func StackFrames(frames []debugger.Frame) []types.StackFrame {
	out := make([]types.StackFrame, len(frames))
	for i, f := range frames {
		sf := types.StackFrame{
			Index:  i,
			Reason: f.Reason,
			Tuple:  TupleValues(f.Tuple),
		}
		if f.Node != nil {
			sf.NodeID = uint32(f.Node.ID)
			sf.NodeType = f.Node.Type.String()
			sf.NodeName = f.Node.Name
		}
		if f.Goal != nil {
			sf.GoalID = uint32(f.Goal.ID)
			sf.GoalName = f.Goal.Name
			sf.IsInit = f.IsInit
		}
		if f.Action != nil {
			sf.Action = f.Action.String()
			sf.ActionIndex = f.ActionIndex
		}
		out[i] = sf
	}
	return out
}

// DatabaseContents snapshots the rule database. The caller must make sure the
// evaluation thread is not running.
func DatabaseContents(db *story.Database) *types.DatabaseContents {
	contents := &types.DatabaseContents{
		Generation: db.Generation(),
		Nodes:      []types.NodeInfo{},
		Goals:      []types.GoalInfo{},
	}

	for _, n := range db.Nodes() {
		info := types.NodeInfo{
			ID:      uint32(n.ID),
			Type:    n.Type.String(),
			Name:    n.Name,
			Arity:   n.Arity,
			Actions: actionInfos(db, n.Actions),
		}
		for _, child := range n.Children {
			info.Children = append(info.Children, uint32(child))
		}
		for _, fact := range n.Facts {
			info.Facts = append(info.Facts, TupleValues(fact))
		}
		contents.Nodes = append(contents.Nodes, info)
	}

	for _, g := range db.Goals() {
		contents.Goals = append(contents.Goals, types.GoalInfo{
			ID:          uint32(g.ID),
			Name:        g.Name,
			InitActions: actionInfos(db, g.InitActions),
			ExitActions: actionInfos(db, g.ExitActions),
		})
	}
	return contents
}

func actionInfos(db *story.Database, ids []story.ActionID) []types.ActionInfo {
	if len(ids) == 0 {
		return nil
	}
	out := make([]types.ActionInfo, 0, len(ids))
	for i, id := range ids {
		a, ok := db.Action(id)
		if !ok {
			continue
		}
		out = append(out, types.ActionInfo{
			Index:     uint32(i),
			Function:  a.Function,
			Arguments: a.Arguments,
			Not:       a.Not,
		})
	}
	return out
}
