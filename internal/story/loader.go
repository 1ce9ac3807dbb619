package story

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ctagard/osidbg/internal/errors"
)

// story file layout
type storyFile struct {
	Nodes []nodeSpec `yaml:"nodes"`
	Goals []goalSpec `yaml:"goals"`
}

type nodeSpec struct {
	ID       uint32        `yaml:"id"`
	Type     string        `yaml:"type"`
	Name     string        `yaml:"name"`
	Arity    int           `yaml:"arity"`
	Children []uint32      `yaml:"children"`
	Join     uint32        `yaml:"join"`
	RelOp    string        `yaml:"relop"`
	Column   int           `yaml:"column"`
	Operand  yaml.Node     `yaml:"operand"`
	Actions  []actionSpec  `yaml:"actions"`
	Facts    [][]yaml.Node `yaml:"facts"`
}

type goalSpec struct {
	ID   uint32       `yaml:"id"`
	Name string       `yaml:"name"`
	Init []actionSpec `yaml:"init"`
	Exit []actionSpec `yaml:"exit"`
}

type actionSpec struct {
	Function  string   `yaml:"function"`
	Arguments []string `yaml:"arguments"`
	Not       bool     `yaml:"not"`
}

var relOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true, "==": true, "!=": true}

// Parse decodes a YAML story into a Database of the given generation.
//
// Columns are typed by their YAML tag: !!int, !!float and !!str map to the
// integer, real and string kinds; the local tags !int64 and !guid select the
// remaining two.
func Parse(data []byte, generation uint32) (*Database, error) {
	var f storyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.StoryInvalid(err.Error()).WithCause(err)
	}

	db := newDatabase(generation)

	for i := range f.Nodes {
		spec := &f.Nodes[i]
		node, err := buildNode(db, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := db.nodes[node.ID]; dup {
			return nil, errors.StoryInvalid(fmt.Sprintf("duplicate node id %d", node.ID))
		}
		if node.Name != "" {
			if _, dup := db.byName[node.Name]; dup {
				return nil, errors.StoryInvalid(fmt.Sprintf("duplicate node name %q", node.Name))
			}
			db.byName[node.Name] = node.ID
		}
		db.nodes[node.ID] = node
	}

	for i := range f.Goals {
		spec := &f.Goals[i]
		if spec.ID == 0 {
			return nil, errors.StoryInvalid(fmt.Sprintf("goal %q has no id", spec.Name))
		}
		if _, dup := db.goals[GoalID(spec.ID)]; dup {
			return nil, errors.StoryInvalid(fmt.Sprintf("duplicate goal id %d", spec.ID))
		}
		initIDs, err := db.allocActions(spec.Init)
		if err != nil {
			return nil, err
		}
		exitIDs, err := db.allocActions(spec.Exit)
		if err != nil {
			return nil, err
		}
		db.goals[GoalID(spec.ID)] = &Goal{
			ID:          GoalID(spec.ID),
			Name:        spec.Name,
			InitActions: initIDs,
			ExitActions: exitIDs,
		}
	}

	if err := db.validateEdges(); err != nil {
		return nil, err
	}
	return db, nil
}

// LoadFile reads and parses a story file as the given generation
func LoadFile(path string, generation uint32) (*Database, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, generation)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoryInvalid,
			fmt.Sprintf("failed to read story file %s", path),
			"Check the storyPath setting.", err)
	}
	return data, nil
}

func buildNode(db *Database, spec *nodeSpec) (*Node, error) {
	if spec.ID == 0 {
		return nil, errors.StoryInvalid(fmt.Sprintf("node %q has no id", spec.Name))
	}
	nt, ok := ParseNodeType(spec.Type)
	if !ok {
		return nil, errors.StoryInvalid(fmt.Sprintf("node %d has unknown type %q", spec.ID, spec.Type))
	}

	node := &Node{
		ID:    NodeID(spec.ID),
		Type:  nt,
		Name:  spec.Name,
		Arity: spec.Arity,
		Join:  NodeID(spec.Join),
	}
	for _, c := range spec.Children {
		node.Children = append(node.Children, NodeID(c))
	}

	switch nt {
	case NodeRule:
		ids, err := db.allocActions(spec.Actions)
		if err != nil {
			return nil, err
		}
		node.Actions = ids
	case NodeRelOp:
		if !relOps[spec.RelOp] {
			return nil, errors.StoryInvalid(fmt.Sprintf("relop node %d has unknown operator %q", spec.ID, spec.RelOp))
		}
		if spec.Column < 0 || (spec.Arity > 0 && spec.Column >= spec.Arity) {
			return nil, errors.StoryInvalid(fmt.Sprintf("relop node %d compares column %d out of range", spec.ID, spec.Column))
		}
		node.RelOp = spec.RelOp
		node.Column = spec.Column
		v, err := decodeValue(&spec.Operand)
		if err != nil {
			return nil, errors.StoryInvalid(fmt.Sprintf("relop node %d operand: %v", spec.ID, err))
		}
		node.Operand = v
	case NodeAnd, NodeNotAnd:
		if spec.Join == 0 {
			return nil, errors.StoryInvalid(fmt.Sprintf("%s node %d has no join node", nt, spec.ID))
		}
	}

	if len(spec.Actions) > 0 && nt != NodeRule {
		return nil, errors.StoryInvalid(fmt.Sprintf("node %d of type %s cannot have actions", spec.ID, nt))
	}
	if len(spec.Facts) > 0 && nt != NodeDatabase {
		return nil, errors.StoryInvalid(fmt.Sprintf("node %d of type %s cannot hold facts", spec.ID, nt))
	}

	for i, row := range spec.Facts {
		if len(row) != node.Arity {
			return nil, errors.StoryInvalid(fmt.Sprintf("fact %d of node %d has %d columns, want %d", i, spec.ID, len(row), node.Arity))
		}
		tuple := make(Tuple, len(row))
		for j := range row {
			v, err := decodeValue(&row[j])
			if err != nil {
				return nil, errors.StoryInvalid(fmt.Sprintf("fact %d of node %d: %v", i, spec.ID, err))
			}
			tuple[j] = v
		}
		node.Facts = append(node.Facts, tuple)
	}

	return node, nil
}

func (db *Database) allocActions(specs []actionSpec) ([]ActionID, error) {
	if len(specs) > MaxSectionActions {
		return nil, errors.StoryInvalid(fmt.Sprintf("section has %d actions, limit is %d", len(specs), MaxSectionActions))
	}
	ids := make([]ActionID, 0, len(specs))
	for _, s := range specs {
		if s.Function == "" {
			return nil, errors.StoryInvalid("rule action without a function name")
		}
		id := ActionID(len(db.actions) + 1)
		db.actions = append(db.actions, &RuleAction{
			ID:        id,
			Function:  s.Function,
			Arguments: s.Arguments,
			Not:       s.Not,
		})
		ids = append(ids, id)
	}
	return ids, nil
}

func (db *Database) validateEdges() error {
	for _, n := range db.nodes {
		for _, c := range n.Children {
			if _, ok := db.nodes[c]; !ok {
				return errors.StoryInvalid(fmt.Sprintf("node %d references missing child %d", n.ID, c))
			}
		}
		if n.Join != 0 {
			if _, ok := db.nodes[n.Join]; !ok {
				return errors.StoryInvalid(fmt.Sprintf("node %d references missing join node %d", n.ID, n.Join))
			}
		}
	}
	return nil
}

func decodeValue(n *yaml.Node) (Value, error) {
	if n.Kind == 0 {
		return Value{}, nil
	}
	if n.Kind != yaml.ScalarNode {
		return Value{}, fmt.Errorf("line %d: column must be a scalar", n.Line)
	}
	switch n.Tag {
	case "!!int":
		v, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return Int(v), nil
	case "!int64":
		v, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return Value{Type: ValueInteger64, Int: v}, nil
	case "!!float":
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return Value{}, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return Real(v), nil
	case "!guid":
		return GUID(n.Value), nil
	case "!!str":
		return Str(n.Value), nil
	default:
		return Value{}, fmt.Errorf("line %d: unsupported column tag %s", n.Line, n.Tag)
	}
}
