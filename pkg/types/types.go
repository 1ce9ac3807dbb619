// Package types defines the wire-level data types shared by the debug server
// and its clients.
//
// This package provides type definitions for:
//   - BreakpointType / GlobalBreakpointType: breakpoint masks
//   - BreakpointReason / GlobalBreakpointReason: why execution paused
//   - ResultCode: outcome of every request
//   - ContinueAction: resume and stepping commands
//   - Message: the sequenced envelope carried by every frame
//   - Request and notification bodies, stack frames, database contents
//
// Enum values are part of the protocol and must not be renumbered.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BreakpointType is a mask of node-level events a breakpoint reacts to
type BreakpointType uint32

const (
	BreakOnValid      BreakpointType = 1 << 0
	BreakOnPushDown   BreakpointType = 1 << 1
	BreakOnInsert     BreakpointType = 1 << 2
	BreakOnRuleAction BreakpointType = 1 << 3
	BreakOnInitCall   BreakpointType = 1 << 4
	BreakOnExitCall   BreakpointType = 1 << 5

	BreakpointTypeAll = BreakOnValid | BreakOnPushDown | BreakOnInsert |
		BreakOnRuleAction | BreakOnInitCall | BreakOnExitCall

	// NodeBreakpointTypes are the bits that apply to a node itself rather
	// than to an action owned by a rule or goal.
	NodeBreakpointTypes = BreakOnValid | BreakOnPushDown | BreakOnInsert
)

// String renders the set bits, e.g. "valid|insert"
func (t BreakpointType) String() string {
	names := []struct {
		bit  BreakpointType
		name string
	}{
		{BreakOnValid, "valid"},
		{BreakOnPushDown, "pushdown"},
		{BreakOnInsert, "insert"},
		{BreakOnRuleAction, "ruleaction"},
		{BreakOnInitCall, "initcall"},
		{BreakOnExitCall, "exitcall"},
	}
	var parts []string
	for _, n := range names {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// GlobalBreakpointType is a mask of engine-wide events to intercept,
// independent of node identity
type GlobalBreakpointType uint32

const (
	GlobalBreakOnStoryLoaded GlobalBreakpointType = 1 << 0
	GlobalBreakOnValid       GlobalBreakpointType = 1 << 1
	GlobalBreakOnPushDown    GlobalBreakpointType = 1 << 2
	GlobalBreakOnInsert      GlobalBreakpointType = 1 << 3
	GlobalBreakOnRuleAction  GlobalBreakpointType = 1 << 4
	GlobalBreakOnInitCall    GlobalBreakpointType = 1 << 5
	GlobalBreakOnExitCall    GlobalBreakpointType = 1 << 6
	GlobalBreakOnGameInit    GlobalBreakpointType = 1 << 7
	GlobalBreakOnGameExit    GlobalBreakpointType = 1 << 8

	GlobalBreakpointTypeAll = GlobalBreakOnStoryLoaded | GlobalBreakOnValid | GlobalBreakOnPushDown |
		GlobalBreakOnInsert | GlobalBreakOnRuleAction | GlobalBreakOnInitCall | GlobalBreakOnExitCall |
		GlobalBreakOnGameInit | GlobalBreakOnGameExit
)

// BreakpointReason classifies a call stack frame and the hook that paused
type BreakpointReason int

const (
	NodeIsValid             BreakpointReason = 0
	NodePushDownTuple       BreakpointReason = 1
	NodeInsertTuple         BreakpointReason = 2
	NodeDeleteTuple         BreakpointReason = 3
	NodePushDownTupleDelete BreakpointReason = 4
	RuleActionCall          BreakpointReason = 5
	GoalInitCall            BreakpointReason = 6
	GoalExitCall            BreakpointReason = 7
)

var breakpointReasonNames = map[BreakpointReason]string{
	NodeIsValid:             "NodeIsValid",
	NodePushDownTuple:       "NodePushDownTuple",
	NodeInsertTuple:         "NodeInsertTuple",
	NodeDeleteTuple:         "NodeDeleteTuple",
	NodePushDownTupleDelete: "NodePushDownTupleDelete",
	RuleActionCall:          "RuleActionCall",
	GoalInitCall:            "GoalInitCall",
	GoalExitCall:            "GoalExitCall",
}

func (r BreakpointReason) String() string {
	if name, ok := breakpointReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("BreakpointReason(%d)", int(r))
}

// GlobalBreakpointReason identifies the engine lifecycle event that paused
type GlobalBreakpointReason int

const (
	GlobalReasonStoryLoaded GlobalBreakpointReason = 0
	GlobalReasonGameInit    GlobalBreakpointReason = 1
	GlobalReasonGameExit    GlobalBreakpointReason = 2
)

func (r GlobalBreakpointReason) String() string {
	switch r {
	case GlobalReasonStoryLoaded:
		return "StoryLoaded"
	case GlobalReasonGameInit:
		return "GameInit"
	case GlobalReasonGameExit:
		return "GameExit"
	default:
		return fmt.Sprintf("GlobalBreakpointReason(%d)", int(r))
	}
}

// ResultCode is the outcome reported for every request
type ResultCode int

const (
	Success                   ResultCode = 0
	UnsupportedBreakpointType ResultCode = 1
	InvalidNodeID             ResultCode = 2
	NotInPause                ResultCode = 3
	NoDebuggee                ResultCode = 4
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "Success"
	case UnsupportedBreakpointType:
		return "UnsupportedBreakpointType"
	case InvalidNodeID:
		return "InvalidNodeId"
	case NotInPause:
		return "NotInPause"
	case NoDebuggee:
		return "NoDebuggee"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
}

// ContinueAction selects how a paused evaluation resumes
type ContinueAction int

const (
	ContinueRun      ContinueAction = 0
	ContinueStepInto ContinueAction = 1
	ContinueStepOver ContinueAction = 2
	ContinueStepOut  ContinueAction = 3
	// ContinuePause requests a break at the next instrumented hook.
	ContinuePause ContinueAction = 4
)

func (a ContinueAction) String() string {
	switch a {
	case ContinueRun:
		return "Run"
	case ContinueStepInto:
		return "StepInto"
	case ContinueStepOver:
		return "StepOver"
	case ContinueStepOut:
		return "StepOut"
	case ContinuePause:
		return "Pause"
	default:
		return fmt.Sprintf("ContinueAction(%d)", int(a))
	}
}

// MessageType names the kind of a Message
type MessageType string

const (
	// Client to server
	MsgIdentify             MessageType = "identify"
	MsgSetGlobalBreakpoints MessageType = "setGlobalBreakpoints"
	MsgSetBreakpoints       MessageType = "setBreakpoints"
	MsgContinue             MessageType = "continue"
	MsgGetDatabaseContents  MessageType = "getDatabaseContents"

	// Server to client
	MsgVersionInfo               MessageType = "versionInfo"
	MsgResult                    MessageType = "result"
	MsgBreakpointTriggered       MessageType = "breakpointTriggered"
	MsgGlobalBreakpointTriggered MessageType = "globalBreakpointTriggered"
	MsgStoryLoaded               MessageType = "storyLoaded"
	MsgDebugSessionEnded         MessageType = "debugSessionEnded"
)

// Message is the envelope carried by every frame. Seq is the sender's own
// monotonically increasing counter; ReplySeq is set on responses to the Seq of
// the request being answered.
type Message struct {
	Seq      uint32          `json:"seq"`
	ReplySeq uint32          `json:"replySeq,omitempty"`
	Type     MessageType     `json:"type"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// DecodeBody unmarshals the message body into v. An empty body leaves v untouched.
func (m *Message) DecodeBody(v interface{}) error {
	if len(m.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.Body, v)
}

// NewMessage builds a message with a JSON-encoded body
func NewMessage(msgType MessageType, body interface{}) (*Message, error) {
	msg := &Message{Type: msgType}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", msgType, err)
		}
		msg.Body = data
	}
	return msg, nil
}

// IdentifyRequest opens a debug session
type IdentifyRequest struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// SetGlobalBreakpointsRequest replaces the global breakpoint mask
type SetGlobalBreakpointsRequest struct {
	Mask GlobalBreakpointType `json:"mask"`
}

// BreakpointSpec describes one breakpoint as sent by a client.
//
// A non-zero GoalID selects a goal init/exit action breakpoint; a type of
// BreakOnRuleAction selects a rule "then" action breakpoint on NodeID;
// otherwise the breakpoint applies to the node itself.
type BreakpointSpec struct {
	NodeID      uint32         `json:"nodeId"`
	GoalID      uint32         `json:"goalId"`
	IsInit      bool           `json:"isInit"`
	ActionIndex uint32         `json:"actionIndex"`
	Type        BreakpointType `json:"type"`
}

// SetBreakpointsRequest replaces the full set of breakpoints
type SetBreakpointsRequest struct {
	Breakpoints []BreakpointSpec `json:"breakpoints"`
}

// ContinueRequest resumes or steps a paused evaluation
type ContinueRequest struct {
	Action ContinueAction `json:"action"`
}

// VersionInfo answers Identify
type VersionInfo struct {
	ProtocolVersion  uint32 `json:"protocolVersion"`
	ServerVersion    string `json:"serverVersion"`
	StoryLoaded      bool   `json:"storyLoaded"`
	StoryInitialized bool   `json:"storyInitialized"`
}

// Result answers every request except Identify
type Result struct {
	Code     ResultCode        `json:"code"`
	Database *DatabaseContents `json:"database,omitempty"`
}

// TupleValue is a single typed column of a tuple
type TupleValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StackFrame is the wire form of one call stack frame
type StackFrame struct {
	Index       int              `json:"index"`
	Reason      BreakpointReason `json:"reason"`
	NodeID      uint32           `json:"nodeId,omitempty"`
	NodeType    string           `json:"nodeType,omitempty"`
	NodeName    string           `json:"nodeName,omitempty"`
	Tuple       []TupleValue     `json:"tuple,omitempty"`
	GoalID      uint32           `json:"goalId,omitempty"`
	GoalName    string           `json:"goalName,omitempty"`
	ActionIndex uint32           `json:"actionIndex,omitempty"`
	IsInit      bool             `json:"isInit,omitempty"`
	Action      string           `json:"action,omitempty"`
}

// BreakpointTriggered is sent when a node or action breakpoint pauses evaluation.
// CallStack is ordered from the outermost frame to the innermost.
type BreakpointTriggered struct {
	Reason    BreakpointReason `json:"reason"`
	CallStack []StackFrame     `json:"callStack"`
}

// GlobalBreakpointTriggered is sent when a lifecycle breakpoint pauses evaluation
type GlobalBreakpointTriggered struct {
	Reason GlobalBreakpointReason `json:"reason"`
}

// StoryLoaded is sent when the rule database is (re)loaded
type StoryLoaded struct {
	Generation uint32 `json:"generation"`
}

// DebugSessionEnded is sent before the server closes a session
type DebugSessionEnded struct {
	Reason string `json:"reason,omitempty"`
}

// ActionInfo describes a rule action for display
type ActionInfo struct {
	Index     uint32   `json:"index"`
	Function  string   `json:"function"`
	Arguments []string `json:"arguments,omitempty"`
	Not       bool     `json:"not,omitempty"`
}

// NodeInfo describes one node of the rule graph
type NodeInfo struct {
	ID       uint32         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	Arity    int            `json:"arity,omitempty"`
	Children []uint32       `json:"children,omitempty"`
	Actions  []ActionInfo   `json:"actions,omitempty"`
	Facts    [][]TupleValue `json:"facts,omitempty"`
}

// GoalInfo describes one goal with its init and exit sections
type GoalInfo struct {
	ID          uint32       `json:"id"`
	Name        string       `json:"name"`
	InitActions []ActionInfo `json:"initActions,omitempty"`
	ExitActions []ActionInfo `json:"exitActions,omitempty"`
}

// DatabaseContents is a read-only snapshot of the rule database
type DatabaseContents struct {
	Generation uint32     `json:"generation"`
	Nodes      []NodeInfo `json:"nodes"`
	Goals      []GoalInfo `json:"goals"`
}
