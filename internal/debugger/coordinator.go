// Package debugger decides, on every instrumented node operation, whether the
// evaluation thread must pause, and holds it until a client resumes it.
//
// The Coordinator is driven from two sides. The engine calls its hooks
// synchronously on the evaluation thread; the protocol session calls its
// command methods from the connection goroutine. One mutex guards all shared
// state, including the breakpoint registry, and the paused evaluation thread
// waits on a condition variable bound to that mutex. Nothing blocks except
// that wait.
//
// Lock order is coordinator mutex, then whatever the Notifier locks. A
// Notifier must never call back into the Coordinator.
package debugger

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ctagard/osidbg/internal/engine"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/pkg/types"
)

// State is the coordinator's externally visible state. StateStepping means a
// step is armed and StatePausing that a Pause was requested; either ends at
// the next qualifying hook.
type State int

const (
	StateDetached State = iota
	StateRunning
	StatePaused
	StateStepping
	StatePausing
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStepping:
		return "stepping"
	case StatePausing:
		return "pausing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Notifier delivers coordinator events to the attached client. Methods are
// called with the coordinator mutex held.
type Notifier interface {
	SessionID() string
	BreakpointTriggered(reason types.BreakpointReason, stack []Frame) error
	GlobalBreakpointTriggered(reason types.GlobalBreakpointReason) error
	StoryLoaded(db *story.Database) error
	// SessionEnded tells the client the session is over and closes it. It is
	// only called after the coordinator has already detached the notifier.
	SessionEnded(reason string)
}

// Status is a point-in-time summary of the coordinator
type Status struct {
	State         State
	SessionID     string
	Generation    uint32
	StoryLoaded   bool
	Initialized   bool
	Depth         int
	Breakpoints   int
	GlobalMask    types.GlobalBreakpointType
	MappedActions int
}

// Coordinator is the breakpoint state machine
type Coordinator struct {
	// attached is the only thing hooks look at while no client is attached
	attached atomic.Bool

	mu     sync.Mutex
	cond   *sync.Cond
	logger *slog.Logger

	notifier    Notifier
	registry    *Registry
	stack       CallStack
	mappings    *MappingCache
	db          *story.Database
	initialized bool

	paused         bool
	forceBreak     bool
	maxBreakDepth  int
	pauseRequested bool

	// pending counts pre hooks the engine has entered and not yet left,
	// attached or not. It is only touched on the evaluation thread, and lets
	// a post hook tell a frame entered before attach from an unbalanced one.
	pending atomic.Int64
}

var _ engine.Hooks = (*Coordinator)(nil)

// NewCoordinator creates a detached coordinator
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Coordinator{
		logger:   log.WithComponent(logger, "coordinator"),
		registry: NewRegistry(),
		mappings: NewMappingCache(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Attach binds a client session. Only one session can be attached.
func (c *Coordinator) Attach(n Notifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier != nil {
		return errors.SessionActive(c.notifier.SessionID())
	}

	c.notifier = n
	c.registry.ClearAll()
	c.stack.Reset()
	c.forceBreak = false
	c.pauseRequested = false
	c.maxBreakDepth = 0
	c.paused = false
	c.attached.Store(true)

	c.logger.Info("debugger attached", log.SessionIDKey, n.SessionID())
	return nil
}

// Detach releases n if it is still the attached session. Breakpoints and
// stepping state are cleared and a paused evaluation thread resumes.
func (c *Coordinator) Detach(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil || c.notifier != n {
		return
	}
	c.detachLocked("client disconnected")
}

// Close ends the attached session, if any, telling the client first
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.notifier
	if n == nil {
		return
	}
	c.detachLocked("shutting down")
	n.SessionEnded("server shutting down")
}

func (c *Coordinator) detachLocked(why string) {
	sessionID := c.notifier.SessionID()

	c.attached.Store(false)
	c.notifier = nil
	c.registry.ClearAll()
	c.stack.Reset()
	c.forceBreak = false
	c.pauseRequested = false
	c.maxBreakDepth = 0
	if c.paused {
		c.paused = false
		c.cond.Broadcast()
	}

	c.logger.Info("debugger detached", log.SessionIDKey, sessionID, "why", why)
}

// abandonLocked drops the session after the coordinator lost track of the
// engine. The engine keeps running unimpeded.
func (c *Coordinator) abandonLocked(err error) {
	de := errors.FromError(err)
	c.logger.Error("abandoning debug session",
		log.SessionIDKey, c.notifier.SessionID(),
		"code", de.Code,
		"error", de.Message,
		"details", de.Details,
		"depth", c.stack.Depth())
	sessionsAbandoned.WithLabelValues(string(de.Code)).Inc()

	n := c.notifier
	c.detachLocked(string(de.Code))
	n.SessionEnded(de.Message)
}

// Status summarizes the current state
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:         c.stateLocked(),
		StoryLoaded:   c.db != nil,
		Initialized:   c.initialized,
		Depth:         c.stack.Depth(),
		Breakpoints:   c.registry.Len(),
		GlobalMask:    c.registry.Global(),
		MappedActions: c.mappings.Len(),
	}
	if c.notifier != nil {
		s.SessionID = c.notifier.SessionID()
	}
	if c.db != nil {
		s.Generation = c.db.Generation()
	}
	return s
}

func (c *Coordinator) stateLocked() State {
	switch {
	case c.notifier == nil:
		return StateDetached
	case c.paused:
		return StatePaused
	case c.pauseRequested:
		return StatePausing
	case c.forceBreak:
		return StateStepping
	default:
		return StateRunning
	}
}

// Breakpoints lists the registered breakpoints
func (c *Coordinator) Breakpoints() []Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.List()
}

// CallStack returns the stack of the paused evaluation thread
func (c *Coordinator) CallStack() ([]Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused {
		return nil, errors.NotInPause("call stack")
	}
	return c.stack.Snapshot(), nil
}

// SetGlobalBreakpoints replaces the global breakpoint mask
func (c *Coordinator) SetGlobalBreakpoints(mask types.GlobalBreakpointType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil {
		return errors.NoDebuggee("set global breakpoints")
	}
	if mask&^types.GlobalBreakpointTypeAll != 0 {
		return errors.UnsupportedBreakpointType(types.BreakpointType(mask), "unknown global breakpoint bits")
	}
	c.registry.SetGlobal(mask)
	c.logger.Debug("global breakpoints set", "mask", uint32(mask))
	return nil
}

// SetBreakpoints replaces every node, rule and goal breakpoint. The request
// is validated as a whole; on error the registry is left unchanged. A new set
// applies to hooks evaluated afterwards, not to a frame already paused.
func (c *Coordinator) SetBreakpoints(specs []types.BreakpointSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil || c.db == nil {
		return errors.NoDebuggee("set breakpoints")
	}

	bps := make([]Breakpoint, 0, len(specs))
	for _, spec := range specs {
		bp, err := NewBreakpoint(c.db, spec)
		if err != nil {
			c.logger.Warn("rejected breakpoint", log.NodeIDKey, spec.NodeID, log.GoalIDKey, spec.GoalID, "error", err)
			return err
		}
		bps = append(bps, bp)
	}

	c.registry.ClearBreakpoints()
	for _, bp := range bps {
		c.registry.Set(bp)
	}
	c.logger.Debug("breakpoints set", "count", len(bps))
	return nil
}

// Continue resumes or steps the paused evaluation thread. ContinuePause
// instead requests a break at the next hook.
//
// beforeResume runs under the coordinator lock right before the evaluation
// thread is released, so anything it sends reaches the client ahead of the
// next breakpoint notification. It is not called when an error is returned.
func (c *Coordinator) Continue(action types.ContinueAction, beforeResume func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil {
		return errors.NoDebuggee("continue")
	}

	if action == types.ContinuePause {
		if c.db == nil {
			return errors.NoDebuggee("pause")
		}
		if !c.paused {
			c.forceBreak = true
			c.maxBreakDepth = math.MaxInt
			c.pauseRequested = true
		}
		if beforeResume != nil {
			beforeResume()
		}
		return nil
	}

	if !c.paused {
		return errors.NotInPause("continue")
	}

	depth := c.stack.Depth()
	switch action {
	case types.ContinueRun:
		c.forceBreak = false
		c.pauseRequested = false
		c.maxBreakDepth = 0
	case types.ContinueStepInto:
		c.stepLocked(math.MaxInt)
	case types.ContinueStepOver:
		c.stepLocked(depth)
	case types.ContinueStepOut:
		c.stepLocked(max(depth-1, 1))
	default:
		return errors.Wrap(errors.CodeMalformedMessage,
			fmt.Sprintf("unknown continue action %d", int(action)),
			"Use Run, StepInto, StepOver, StepOut or Pause.", nil)
	}

	c.logger.Debug("resuming", "action", action.String(), "depth", depth, "max_depth", c.maxBreakDepth)
	if beforeResume != nil {
		beforeResume()
	}
	c.paused = false
	c.cond.Broadcast()
	return nil
}

// stepLocked arms a forced break at any hook whose depth is at most limit.
// Paused outside any frame (a global breakpoint), every step is a step into.
func (c *Coordinator) stepLocked(limit int) {
	if c.stack.Depth() == 0 {
		limit = math.MaxInt
	}
	c.forceBreak = true
	c.maxBreakDepth = limit
}

// WithPausedStory runs fn with the database and call stack while the
// evaluation thread is paused, holding the coordinator lock throughout.
func (c *Coordinator) WithPausedStory(fn func(db *story.Database, stack []Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil || c.db == nil {
		return errors.NoDebuggee("get database contents")
	}
	if !c.paused {
		return errors.NotInPause("get database contents")
	}
	fn(c.db, c.stack.Snapshot())
	return nil
}

// --- Engine hooks ---

func (c *Coordinator) IsValidPreHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef) {
	c.pending.Add(1)
	if !c.attached.Load() {
		return
	}
	c.preHook(validHook{node: node, tuple: tuple, adapter: adapter})
}

func (c *Coordinator) IsValidPostHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, _ bool) {
	entered := c.leave()
	if !c.attached.Load() {
		return
	}
	c.postHook(validHook{node: node, tuple: tuple, adapter: adapter}, entered)
}

func (c *Coordinator) PushDownPreHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, entry story.EntryPoint, deleted bool) {
	c.pending.Add(1)
	if !c.attached.Load() {
		return
	}
	c.preHook(pushDownHook{node: node, tuple: tuple, adapter: adapter, entry: entry, deleted: deleted})
}

func (c *Coordinator) PushDownPostHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, entry story.EntryPoint, deleted bool) {
	entered := c.leave()
	if !c.attached.Load() {
		return
	}
	c.postHook(pushDownHook{node: node, tuple: tuple, adapter: adapter, entry: entry, deleted: deleted}, entered)
}

func (c *Coordinator) InsertPreHook(node *story.Node, tuple story.Tuple, deleted bool) {
	c.pending.Add(1)
	if !c.attached.Load() {
		return
	}
	c.preHook(insertHook{node: node, tuple: tuple, deleted: deleted})
}

func (c *Coordinator) InsertPostHook(node *story.Node, tuple story.Tuple, deleted bool) {
	entered := c.leave()
	if !c.attached.Load() {
		return
	}
	c.postHook(insertHook{node: node, tuple: tuple, deleted: deleted}, entered)
}

func (c *Coordinator) RuleActionPreHook(action *story.RuleAction) {
	c.pending.Add(1)
	if !c.attached.Load() {
		return
	}
	c.preHook(ruleActionHook{action: action})
}

func (c *Coordinator) RuleActionPostHook(action *story.RuleAction) {
	entered := c.leave()
	if !c.attached.Load() {
		return
	}
	c.postHook(ruleActionHook{action: action}, entered)
}

func (c *Coordinator) preHook(h hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// detached between the fast-path check and the lock
	if c.notifier == nil {
		return
	}
	hookEvaluations.WithLabelValues(h.name()).Inc()

	f, err := h.frame(c.mappings)
	if err != nil {
		c.abandonLocked(err)
		return
	}
	c.stack.Push(f)
	if c.shouldTriggerLocked(f) {
		c.breakpointLocked(f.Reason)
	}
}

// leave records a post hook on the evaluation thread and reports whether a
// matching pre hook was entered. An unbalanced post hook does not drive the
// count negative.
func (c *Coordinator) leave() bool {
	if c.pending.Add(-1) < 0 {
		c.pending.Store(0)
		return false
	}
	return true
}

// postHook pops the frame h pushed. entered reports whether the engine
// entered a matching pre hook; an empty stack then means the frame was
// entered before attach.
func (c *Coordinator) postHook(h hook, entered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifier == nil {
		return
	}

	f, err := h.frame(c.mappings)
	if err != nil {
		c.abandonLocked(err)
		return
	}
	if err := c.stack.Pop(f.Reason); err != nil {
		if entered && c.stack.Depth() == 0 {
			return
		}
		c.abandonLocked(err)
	}
}

func (c *Coordinator) shouldTriggerLocked(f Frame) bool {
	if c.registry.Global()&f.GlobalType != 0 {
		return true
	}
	if c.forceBreak && c.stack.Depth() <= c.maxBreakDepth {
		return true
	}
	if t, ok := c.registry.Lookup(f.Breakpoint); ok && t&f.BreakpointType != 0 {
		return true
	}
	return false
}

func (c *Coordinator) breakpointLocked(reason types.BreakpointReason) {
	c.forceBreak = false
	c.pauseRequested = false
	c.maxBreakDepth = 0
	c.paused = true
	pausesTotal.WithLabelValues(reason.String()).Inc()
	c.logger.Debug("breakpoint triggered", log.ReasonKey, reason.String(), "depth", c.stack.Depth())

	if err := c.notifier.BreakpointTriggered(reason, c.stack.Snapshot()); err != nil {
		c.abandonLocked(errors.TransportFailed("breakpoint notification", err))
		return
	}
	c.waitLocked()
}

func (c *Coordinator) globalBreakpointLocked(reason types.GlobalBreakpointReason) {
	c.forceBreak = false
	c.pauseRequested = false
	c.maxBreakDepth = 0
	c.paused = true
	pausesTotal.WithLabelValues(reason.String()).Inc()
	c.logger.Debug("global breakpoint triggered", log.ReasonKey, reason.String())

	if err := c.notifier.GlobalBreakpointTriggered(reason); err != nil {
		c.abandonLocked(errors.TransportFailed("global breakpoint notification", err))
		return
	}
	c.waitLocked()
}

// waitLocked blocks the evaluation thread until Continue or Detach clears
// the pause. No timeout: a paused engine waits for a human.
func (c *Coordinator) waitLocked() {
	for c.paused {
		c.cond.Wait()
	}
}

// --- Lifecycle hooks ---

// StoryLoaded binds a new database generation. Cached mappings, the call
// stack and node breakpoints from the previous generation are dropped.
func (c *Coordinator) StoryLoaded(db *story.Database) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.db = db
	c.initialized = false
	c.mappings.Invalidate(db)
	c.stack.Reset()
	c.pending.Store(0)

	if c.notifier == nil {
		return
	}
	c.registry.ClearBreakpoints()
	c.logger.Info("story loaded", log.GenerationKey, db.Generation())

	if err := c.notifier.StoryLoaded(db); err != nil {
		c.abandonLocked(errors.TransportFailed("story loaded notification", err))
		return
	}
	if c.registry.Global()&types.GlobalBreakOnStoryLoaded != 0 {
		c.globalBreakpointLocked(types.GlobalReasonStoryLoaded)
	}
}

// GameInit marks the story initialized
func (c *Coordinator) GameInit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = true
	if c.notifier != nil && c.registry.Global()&types.GlobalBreakOnGameInit != 0 {
		c.globalBreakpointLocked(types.GlobalReasonGameInit)
	}
}

// DeleteAllData marks the story torn down
func (c *Coordinator) DeleteAllData() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = false
	if c.notifier != nil && c.registry.Global()&types.GlobalBreakOnGameExit != 0 {
		c.globalBreakpointLocked(types.GlobalReasonGameExit)
	}
}
