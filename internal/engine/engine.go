// Package engine is a small forward-chaining evaluator over a story database.
//
// It is the host the debugger instruments: every node operation is bracketed
// by the matching Hooks pre/post calls on the caller's goroutine, which acts
// as the evaluation thread. An Engine is not safe for concurrent use.
package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/story"
)

// MaxDepth bounds recursive propagation through the rule graph
const MaxDepth = 128

// Engine evaluates rule actions and propagates tuples through the node graph
type Engine struct {
	hooks       Hooks
	logger      *slog.Logger
	db          *story.Database
	depth       int
	initialized bool
}

// New creates an engine calling into hooks. A nil hooks value means NopHooks.
func New(hooks Hooks, logger *slog.Logger) *Engine {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Engine{
		hooks:  hooks,
		logger: log.WithComponent(logger, "engine"),
	}
}

// Load replaces the rule database and announces the new generation
func (e *Engine) Load(db *story.Database) {
	e.db = db
	e.initialized = false
	e.logger.Info("story loaded", log.GenerationKey, db.Generation(), "nodes", len(db.Nodes()), "goals", len(db.Goals()))
	e.hooks.StoryLoaded(db)
}

// Database returns the loaded database, or nil
func (e *Engine) Database() *story.Database {
	return e.db
}

// Initialized reports whether InitGame ran since the last load or reset
func (e *Engine) Initialized() bool {
	return e.initialized
}

// InitGame runs the init section of every goal in id order
func (e *Engine) InitGame() error {
	if e.db == nil {
		return fmt.Errorf("no story loaded")
	}
	e.initialized = true
	e.hooks.GameInit()
	for _, g := range e.db.Goals() {
		e.runSection(g.InitActions, nil)
	}
	return nil
}

// DeleteAllData runs every goal's exit section and tears the game down
func (e *Engine) DeleteAllData() {
	if e.db == nil {
		return
	}
	e.hooks.DeleteAllData()
	for _, g := range e.db.Goals() {
		e.runSection(g.ExitActions, nil)
	}
	e.initialized = false
}

// InitGoal runs the init section of one goal
func (e *Engine) InitGoal(id story.GoalID) error {
	g, err := e.goal(id)
	if err != nil {
		return err
	}
	e.runSection(g.InitActions, nil)
	return nil
}

// ExitGoal runs the exit section of one goal
func (e *Engine) ExitGoal(id story.GoalID) error {
	g, err := e.goal(id)
	if err != nil {
		return err
	}
	e.runSection(g.ExitActions, nil)
	return nil
}

// Insert adds a fact to the named database and propagates it
func (e *Engine) Insert(database string, tuple story.Tuple) error {
	node, err := e.database(database)
	if err != nil {
		return err
	}
	e.insert(node, tuple, false)
	return nil
}

// Delete removes a fact from the named database and propagates the deletion
func (e *Engine) Delete(database string, tuple story.Tuple) error {
	node, err := e.database(database)
	if err != nil {
		return err
	}
	e.insert(node, tuple, true)
	return nil
}

func (e *Engine) goal(id story.GoalID) (*story.Goal, error) {
	if e.db == nil {
		return nil, fmt.Errorf("no story loaded")
	}
	g, ok := e.db.Goal(id)
	if !ok {
		return nil, fmt.Errorf("goal %d not found", id)
	}
	return g, nil
}

func (e *Engine) database(name string) (*story.Node, error) {
	if e.db == nil {
		return nil, fmt.Errorf("no story loaded")
	}
	node, ok := e.db.NodeByName(name)
	if !ok || node.Type != story.NodeDatabase {
		return nil, fmt.Errorf("no database named %q", name)
	}
	return node, nil
}

// enter guards recursion; callers must call leave when it returns true
func (e *Engine) enter(what string, id story.NodeID) bool {
	if e.depth >= MaxDepth {
		e.logger.Warn("propagation depth exceeded", "op", what, log.NodeIDKey, id, "depth", e.depth)
		return false
	}
	e.depth++
	return true
}

func (e *Engine) leave() {
	e.depth--
}

func (e *Engine) insert(node *story.Node, tuple story.Tuple, deleted bool) {
	if !e.enter("insert", node.ID) {
		return
	}
	defer e.leave()

	e.hooks.InsertPreHook(node, tuple, deleted)
	var changed bool
	if deleted {
		changed = e.db.DeleteFact(node.ID, tuple)
	} else {
		changed = e.db.InsertFact(node.ID, tuple)
	}
	if changed {
		e.pushChildren(node, tuple, deleted)
	}
	e.hooks.InsertPostHook(node, tuple, deleted)
}

func (e *Engine) pushChildren(node *story.Node, tuple story.Tuple, deleted bool) {
	for i, childID := range node.Children {
		child, ok := e.db.Node(childID)
		if !ok {
			continue
		}
		e.pushDown(child, tuple, story.AdapterRef(i), story.EntryLeft, deleted)
	}
}

func (e *Engine) pushDown(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, entry story.EntryPoint, deleted bool) {
	if !e.enter("pushdown", node.ID) {
		return
	}
	defer e.leave()

	e.hooks.PushDownPreHook(node, tuple, adapter, entry, deleted)
	switch node.Type {
	case story.NodeRule:
		// "then" parts fire on insertion only
		if !deleted {
			e.runSection(node.Actions, tuple)
		}
	case story.NodeRelOp:
		if relOpHolds(node, tuple) {
			e.pushChildren(node, tuple, deleted)
		}
	case story.NodeAnd, story.NodeNotAnd:
		valid := false
		if join, ok := e.db.Node(node.Join); ok {
			valid = e.isValid(join, tuple, adapter)
		}
		if valid == (node.Type == story.NodeAnd) {
			e.pushChildren(node, tuple, deleted)
		}
	case story.NodeDatabase:
		var changed bool
		if deleted {
			changed = e.db.DeleteFact(node.ID, tuple)
		} else {
			changed = e.db.InsertFact(node.ID, tuple)
		}
		if changed {
			e.pushChildren(node, tuple, deleted)
		}
	default:
		e.pushChildren(node, tuple, deleted)
	}
	e.hooks.PushDownPostHook(node, tuple, adapter, entry, deleted)
}

func (e *Engine) isValid(node *story.Node, tuple story.Tuple, adapter story.AdapterRef) bool {
	if !e.enter("isvalid", node.ID) {
		return false
	}
	defer e.leave()

	e.hooks.IsValidPreHook(node, tuple, adapter)
	var ok bool
	switch {
	case node.Type == story.NodeDatabase:
		n := node.Arity
		if n > len(tuple) {
			n = len(tuple)
		}
		ok = e.db.HasFact(node.ID, tuple[:n])
	case node.Type.IsQuery():
		ok = true
	}
	e.hooks.IsValidPostHook(node, tuple, adapter, ok)
	return ok
}

func relOpHolds(node *story.Node, tuple story.Tuple) bool {
	if node.Column >= len(tuple) {
		return false
	}
	cmp, ok := tuple[node.Column].Compare(node.Operand)
	if !ok {
		return node.RelOp == "!="
	}
	switch node.RelOp {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	}
	return false
}

func (e *Engine) runSection(actions []story.ActionID, binding story.Tuple) {
	for _, id := range actions {
		action, ok := e.db.Action(id)
		if !ok {
			continue
		}
		e.hooks.RuleActionPreHook(action)
		e.call(action, binding)
		e.hooks.RuleActionPostHook(action)
	}
}

// call executes a rule action. Database targets are inserted into (or
// deleted from with NOT); anything else is an external call the reference
// engine does not implement.
func (e *Engine) call(action *story.RuleAction, binding story.Tuple) {
	target, ok := e.db.NodeByName(action.Function)
	if !ok || target.Type != story.NodeDatabase {
		e.logger.Debug("external call ignored", "function", action.Function)
		return
	}
	tuple := make(story.Tuple, len(action.Arguments))
	for i, arg := range action.Arguments {
		tuple[i] = bindArgument(arg, binding)
	}
	e.insert(target, tuple, action.Not)
}

func bindArgument(arg string, binding story.Tuple) story.Value {
	if strings.HasPrefix(arg, "$") {
		idx, err := strconv.Atoi(arg[1:])
		if err == nil {
			if idx >= 0 && idx < len(binding) {
				return binding[idx]
			}
			return story.Value{}
		}
	}
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return story.Int(n)
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil && strings.Contains(arg, ".") {
		return story.Real(f)
	}
	return story.Str(arg)
}
