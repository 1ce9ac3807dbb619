// Package story models the rule database the engine evaluates.
//
// A Database is an immutable arena for one generation of the story: nodes,
// goals and rule actions are allocated when the story is loaded and dropped
// together when the next generation replaces it. Anything keyed by an arena
// identity (such as the debugger's rule-action mapping cache) must be keyed by
// (generation, id) as well, because ids are reused across generations.
package story

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID identifies a node within one story generation
type NodeID uint32

// GoalID identifies a goal within one story generation
type GoalID uint32

// ActionID is the 1-based index of a rule action in its generation's arena
type ActionID uint32

// MaxSectionActions bounds the number of actions in one rule "then" part or
// goal section. Breakpoint identifiers reserve 24 bits for the action index.
const MaxSectionActions = 1 << 24

// NodeType tags the kind of operation a node performs
type NodeType uint8

const (
	NodeDatabase NodeType = iota + 1
	NodeProc
	NodeDivQuery
	NodeAnd
	NodeNotAnd
	NodeRelOp
	NodeRule
	NodeInternalQuery
	NodeUserQuery
)

var nodeTypeNames = map[NodeType]string{
	NodeDatabase:      "database",
	NodeProc:          "proc",
	NodeDivQuery:      "divquery",
	NodeAnd:           "and",
	NodeNotAnd:        "notand",
	NodeRelOp:         "relop",
	NodeRule:          "rule",
	NodeInternalQuery: "internalquery",
	NodeUserQuery:     "userquery",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("nodetype(%d)", uint8(t))
}

// ParseNodeType converts a story file type name to a NodeType
func ParseNodeType(s string) (NodeType, bool) {
	s = strings.ToLower(s)
	for t, name := range nodeTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// IsQuery reports whether IsValid on this node consults something other
// than stored facts
func (t NodeType) IsQuery() bool {
	return t == NodeDivQuery || t == NodeInternalQuery || t == NodeUserQuery
}

// EntryPoint tells a join node which side a pushed tuple arrived on
type EntryPoint uint8

const (
	EntryNone EntryPoint = iota
	EntryLeft
	EntryRight
)

func (e EntryPoint) String() string {
	switch e {
	case EntryLeft:
		return "left"
	case EntryRight:
		return "right"
	default:
		return "none"
	}
}

// AdapterRef identifies the column adapter applied when a tuple crosses an edge
type AdapterRef uint32

// ValueType is the type tag of a tuple column
type ValueType uint8

const (
	ValueNone ValueType = iota
	ValueInteger
	ValueInteger64
	ValueReal
	ValueString
	ValueGUIDString
)

func (t ValueType) String() string {
	switch t {
	case ValueInteger:
		return "integer"
	case ValueInteger64:
		return "integer64"
	case ValueReal:
		return "real"
	case ValueString:
		return "string"
	case ValueGUIDString:
		return "guidstring"
	default:
		return "none"
	}
}

// Value is one typed column of a tuple
type Value struct {
	Type ValueType
	Int  int64
	Real float64
	Str  string
}

// Int returns an integer value
func Int(v int64) Value { return Value{Type: ValueInteger, Int: v} }

// Real returns a real value
func Real(v float64) Value { return Value{Type: ValueReal, Real: v} }

// Str returns a string value
func Str(v string) Value { return Value{Type: ValueString, Str: v} }

// GUID returns a guid string value
func GUID(v string) Value { return Value{Type: ValueGUIDString, Str: v} }

func (v Value) String() string {
	switch v.Type {
	case ValueInteger, ValueInteger64:
		return strconv.FormatInt(v.Int, 10)
	case ValueReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	case ValueString, ValueGUIDString:
		return v.Str
	default:
		return "<none>"
	}
}

// Equal compares two values, treating the integer widths as one numeric kind
func (v Value) Equal(o Value) bool {
	switch {
	case v.isInt() && o.isInt():
		return v.Int == o.Int
	case v.Type != o.Type:
		return false
	case v.Type == ValueReal:
		return v.Real == o.Real
	case v.Type == ValueNone:
		return true
	default:
		return v.Str == o.Str
	}
}

// Compare orders two values of the same kind; ok is false for mixed kinds
func (v Value) Compare(o Value) (cmp int, ok bool) {
	switch {
	case v.isInt() && o.isInt():
		return compareOrdered(v.Int, o.Int), true
	case v.Type == ValueReal && o.Type == ValueReal:
		return compareOrdered(v.Real, o.Real), true
	case v.Type == o.Type && (v.Type == ValueString || v.Type == ValueGUIDString):
		return strings.Compare(v.Str, o.Str), true
	default:
		return 0, false
	}
}

func (v Value) isInt() bool {
	return v.Type == ValueInteger || v.Type == ValueInteger64
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Tuple is a row of values flowing between nodes
type Tuple []Value

// Equal compares tuples column by column
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether the first len(prefix) columns match prefix
func (t Tuple) HasPrefix(prefix Tuple) bool {
	if len(prefix) > len(t) {
		return false
	}
	return t[:len(prefix)].Equal(prefix)
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		if v.Type == ValueString || v.Type == ValueGUIDString {
			parts[i] = strconv.Quote(v.Str)
		} else {
			parts[i] = v.String()
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// RuleAction is one executable step of a rule's "then" part or a goal section
type RuleAction struct {
	ID        ActionID
	Function  string
	Arguments []string
	// Not marks a deleting call ("NOT DB_Foo(...)").
	Not bool
}

func (a *RuleAction) String() string {
	prefix := ""
	if a.Not {
		prefix = "NOT "
	}
	return fmt.Sprintf("%s%s(%s)", prefix, a.Function, strings.Join(a.Arguments, ", "))
}

// Node is a vertex of the rule graph
type Node struct {
	ID       NodeID
	Type     NodeType
	Name     string
	Arity    int
	Children []NodeID

	// Join is the node consulted through IsValid by and/notand nodes.
	Join NodeID
	// RelOp, Column and Operand describe a relop node: tuple[Column] RelOp Operand.
	RelOp   string
	Column  int
	Operand Value

	// Actions is the "then" part of a rule node.
	Actions []ActionID

	// Facts are the initial tuples of a database node.
	Facts []Tuple
}

// Goal groups an init section and an exit section of rule actions
type Goal struct {
	ID          GoalID
	Name        string
	InitActions []ActionID
	ExitActions []ActionID
}

// Section returns the init or exit action list
func (g *Goal) Section(isInit bool) []ActionID {
	if isInit {
		return g.InitActions
	}
	return g.ExitActions
}
