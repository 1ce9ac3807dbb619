package engine

import "github.com/ctagard/osidbg/internal/story"

// Hooks is the instrumentation surface the engine calls on its evaluation
// thread. Every pre hook is matched by exactly one post hook in LIFO order.
// Implementations must return control to the engine; they never report
// errors back.
type Hooks interface {
	IsValidPreHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef)
	IsValidPostHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, succeeded bool)
	PushDownPreHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, entry story.EntryPoint, deleted bool)
	PushDownPostHook(node *story.Node, tuple story.Tuple, adapter story.AdapterRef, entry story.EntryPoint, deleted bool)
	InsertPreHook(node *story.Node, tuple story.Tuple, deleted bool)
	InsertPostHook(node *story.Node, tuple story.Tuple, deleted bool)
	RuleActionPreHook(action *story.RuleAction)
	RuleActionPostHook(action *story.RuleAction)

	// Lifecycle
	StoryLoaded(db *story.Database)
	GameInit()
	DeleteAllData()
}

// NopHooks ignores every hook
type NopHooks struct{}

func (NopHooks) IsValidPreHook(*story.Node, story.Tuple, story.AdapterRef)        {}
func (NopHooks) IsValidPostHook(*story.Node, story.Tuple, story.AdapterRef, bool) {}
func (NopHooks) PushDownPreHook(*story.Node, story.Tuple, story.AdapterRef, story.EntryPoint, bool) {
}
func (NopHooks) PushDownPostHook(*story.Node, story.Tuple, story.AdapterRef, story.EntryPoint, bool) {
}
func (NopHooks) InsertPreHook(*story.Node, story.Tuple, bool)  {}
func (NopHooks) InsertPostHook(*story.Node, story.Tuple, bool) {}
func (NopHooks) RuleActionPreHook(*story.RuleAction)           {}
func (NopHooks) RuleActionPostHook(*story.RuleAction)          {}
func (NopHooks) StoryLoaded(*story.Database)                   {}
func (NopHooks) GameInit()                                     {}
func (NopHooks) DeleteAllData()                                {}

var _ Hooks = NopHooks{}
