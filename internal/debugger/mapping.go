package debugger

import (
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/story"
)

// RuleActionMapping attributes a rule action to its call site
type RuleActionMapping struct {
	Action *story.RuleAction
	// Rule is the owning rule node for "then" actions, nil for goal sections.
	Rule *story.Node
	// Goal is the owning goal for init/exit actions, nil for rule actions.
	Goal        *story.Goal
	IsInit      bool
	ActionIndex uint32
}

type mappingKey struct {
	generation uint32
	action     story.ActionID
}

// MappingCache lazily indexes rule actions by (generation, action id).
//
// On a miss it walks the owners (rules, then goals) it has not indexed yet,
// recording every action of each owner, and stops as soon as the requested
// action is found. Sibling actions of an owner are therefore resolved from
// the cache afterwards.
type MappingCache struct {
	db      *story.Database
	entries map[mappingKey]RuleActionMapping

	rules    []*story.Node
	goals    []*story.Goal
	nextRule int
	nextGoal int
}

// NewMappingCache creates an empty cache with no database
func NewMappingCache() *MappingCache {
	return &MappingCache{entries: make(map[mappingKey]RuleActionMapping)}
}

// Invalidate drops every mapping and binds the cache to db (which may be nil)
func (c *MappingCache) Invalidate(db *story.Database) {
	c.db = db
	clear(c.entries)
	c.rules, c.goals = nil, nil
	c.nextRule, c.nextGoal = 0, 0
	if db != nil {
		c.rules = db.RuleNodes()
		c.goals = db.Goals()
	}
}

// Len returns the number of cached mappings
func (c *MappingCache) Len() int {
	return len(c.entries)
}

// Resolve returns the call site of action in the current generation. An
// action that no rule or goal owns, or that belongs to another generation,
// is a consistency error.
func (c *MappingCache) Resolve(action *story.RuleAction) (RuleActionMapping, error) {
	if c.db == nil {
		return RuleActionMapping{}, errors.ActionNotMapped(uint32(action.ID), 0)
	}
	gen := c.db.Generation()
	if owned, ok := c.db.Action(action.ID); !ok || owned != action {
		return RuleActionMapping{}, errors.ActionNotMapped(uint32(action.ID), gen)
	}

	key := mappingKey{generation: gen, action: action.ID}
	if m, ok := c.entries[key]; ok {
		return m, nil
	}

	for c.nextRule < len(c.rules) {
		rule := c.rules[c.nextRule]
		c.nextRule++
		c.addSection(rule, nil, false, rule.Actions)
		if m, ok := c.entries[key]; ok {
			return m, nil
		}
	}
	for c.nextGoal < len(c.goals) {
		goal := c.goals[c.nextGoal]
		c.nextGoal++
		c.addSection(nil, goal, true, goal.InitActions)
		c.addSection(nil, goal, false, goal.ExitActions)
		if m, ok := c.entries[key]; ok {
			return m, nil
		}
	}

	return RuleActionMapping{}, errors.ActionNotMapped(uint32(action.ID), gen)
}

func (c *MappingCache) addSection(rule *story.Node, goal *story.Goal, isInit bool, actions []story.ActionID) {
	gen := c.db.Generation()
	for i, id := range actions {
		action, ok := c.db.Action(id)
		if !ok {
			continue
		}
		c.entries[mappingKey{generation: gen, action: id}] = RuleActionMapping{
			Action:      action,
			Rule:        rule,
			Goal:        goal,
			IsInit:      isInit,
			ActionIndex: uint32(i),
		}
	}
}
