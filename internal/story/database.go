package story

import (
	"sort"
	"sync"
)

// Database is one generation of the rule database.
//
// The graph structure (nodes, goals, actions) is immutable after load. Fact
// tables of database nodes are mutated by the evaluation thread only; readers
// on any other goroutine must hold that thread paused while they read.
type Database struct {
	generation uint32
	nodes      map[NodeID]*Node
	goals      map[GoalID]*Goal
	actions    []*RuleAction // arena; ActionID n lives at index n-1
	byName     map[string]NodeID
}

func newDatabase(generation uint32) *Database {
	return &Database{
		generation: generation,
		nodes:      make(map[NodeID]*Node),
		goals:      make(map[GoalID]*Goal),
		byName:     make(map[string]NodeID),
	}
}

// Generation returns the generation id this database was loaded as
func (db *Database) Generation() uint32 {
	return db.generation
}

// Node looks up a node by id
func (db *Database) Node(id NodeID) (*Node, bool) {
	n, ok := db.nodes[id]
	return n, ok
}

// NodeByName looks up a named node (database nodes are addressed by name in actions)
func (db *Database) NodeByName(name string) (*Node, bool) {
	id, ok := db.byName[name]
	if !ok {
		return nil, false
	}
	return db.nodes[id], true
}

// Goal looks up a goal by id
func (db *Database) Goal(id GoalID) (*Goal, bool) {
	g, ok := db.goals[id]
	return g, ok
}

// Action resolves an arena index
func (db *Database) Action(id ActionID) (*RuleAction, bool) {
	if id == 0 || int(id) > len(db.actions) {
		return nil, false
	}
	return db.actions[id-1], true
}

// ActionCount returns the size of the action arena
func (db *Database) ActionCount() int {
	return len(db.actions)
}

// Nodes returns all nodes ordered by id
func (db *Database) Nodes() []*Node {
	out := make([]*Node, 0, len(db.nodes))
	for _, n := range db.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuleNodes returns the rule nodes ordered by id
func (db *Database) RuleNodes() []*Node {
	var out []*Node
	for _, n := range db.Nodes() {
		if n.Type == NodeRule {
			out = append(out, n)
		}
	}
	return out
}

// Goals returns all goals ordered by id
func (db *Database) Goals() []*Goal {
	out := make([]*Goal, 0, len(db.goals))
	for _, g := range db.goals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasFact reports whether a database node holds a fact starting with prefix
func (db *Database) HasFact(id NodeID, prefix Tuple) bool {
	n, ok := db.nodes[id]
	if !ok {
		return false
	}
	for _, f := range n.Facts {
		if f.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

// InsertFact adds a fact to a database node. It returns false when the fact
// was already present.
func (db *Database) InsertFact(id NodeID, t Tuple) bool {
	n, ok := db.nodes[id]
	if !ok {
		return false
	}
	for _, f := range n.Facts {
		if f.Equal(t) {
			return false
		}
	}
	n.Facts = append(n.Facts, t)
	return true
}

// DeleteFact removes a fact from a database node. It returns false when the
// fact was not present.
func (db *Database) DeleteFact(id NodeID, t Tuple) bool {
	n, ok := db.nodes[id]
	if !ok {
		return false
	}
	for i, f := range n.Facts {
		if f.Equal(t) {
			n.Facts = append(n.Facts[:i], n.Facts[i+1:]...)
			return true
		}
	}
	return false
}

// Store hands out monotonically increasing generations as stories are
// (re)loaded and keeps the current one.
type Store struct {
	mu         sync.Mutex
	generation uint32
	current    *Database
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Load parses a story and makes it the current generation
func (s *Store) Load(data []byte) (*Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := Parse(data, s.generation+1)
	if err != nil {
		return nil, err
	}
	s.generation = db.generation
	s.current = db
	return db, nil
}

// LoadFile reads and loads a story file
func (s *Store) LoadFile(path string) (*Database, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return s.Load(data)
}

// Current returns the current generation, or nil before the first load
func (s *Store) Current() *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
