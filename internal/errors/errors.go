// Package errors provides structured error types for the rule engine debugger.
//
// Errors fall into three classes:
//   - protocol errors: a request is invalid for the current state; reported to
//     the client as a ResultCode and the session continues
//   - consistency errors: the debugger's model of the engine has desynchronized;
//     the session is abandoned and the engine keeps running unimpeded
//   - transport errors: disconnects and malformed frames, treated as the end of
//     the session
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ctagard/osidbg/pkg/types"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Protocol errors
	CodeUnsupportedBreakpointType ErrorCode = "UNSUPPORTED_BREAKPOINT_TYPE"
	CodeInvalidNodeID             ErrorCode = "INVALID_NODE_ID"
	CodeNotInPause                ErrorCode = "NOT_IN_PAUSE"
	CodeNoDebuggee                ErrorCode = "NO_DEBUGGEE"

	// Consistency errors
	CodeActionNotMapped ErrorCode = "ACTION_NOT_MAPPED"
	CodeStackMismatch   ErrorCode = "STACK_MISMATCH"
	CodeStackUnderflow  ErrorCode = "STACK_UNDERFLOW"

	// Transport errors
	CodeSequenceMismatch ErrorCode = "SEQUENCE_MISMATCH"
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	CodeTransportFailed  ErrorCode = "TRANSPORT_FAILED"
	CodeSessionActive    ErrorCode = "SESSION_ACTIVE"

	// Input errors
	CodeStoryInvalid  ErrorCode = "STORY_INVALID"
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// DebugError is a structured error type carrying a machine-readable code and
// a hint on how to recover.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (ids, expected values)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so that sentinel-style comparisons work:
// errors.Is(err, &DebugError{Code: CodeStackMismatch}).
func (e *DebugError) Is(target error) bool {
	t, ok := target.(*DebugError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// --- Protocol Errors ---

// UnsupportedBreakpointType is returned when a breakpoint mask does not fit
// the class of breakpoint being requested
func UnsupportedBreakpointType(bpType types.BreakpointType, reason string) *DebugError {
	return &DebugError{
		Code:    CodeUnsupportedBreakpointType,
		Message: fmt.Sprintf("unsupported breakpoint type %s: %s", bpType, reason),
		Hint:    "Node breakpoints accept valid/pushdown/insert, rule nodes accept ruleaction, goals accept initcall or exitcall.",
		Details: map[string]interface{}{
			"type":   uint32(bpType),
			"reason": reason,
		},
	}
}

// InvalidNodeID is returned when a breakpoint references a node, goal or
// action index that does not exist in the loaded story
func InvalidNodeID(kind string, id uint32) *DebugError {
	return &DebugError{
		Code:    CodeInvalidNodeID,
		Message: fmt.Sprintf("%s %d does not exist in the loaded story", kind, id),
		Hint:    "Refresh the database contents after a StoryLoaded notification and resend breakpoints.",
		Details: map[string]interface{}{
			"kind": kind,
			"id":   id,
		},
	}
}

// NotInPause is returned for requests that need a paused evaluation thread
func NotInPause(operation string) *DebugError {
	return &DebugError{
		Code:    CodeNotInPause,
		Message: fmt.Sprintf("%s requires the engine to be paused", operation),
		Hint:    "Wait for a BreakpointTriggered notification or send Continue(Pause) first.",
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NoDebuggee is returned when there is no story or no attached session
func NoDebuggee(operation string) *DebugError {
	return &DebugError{
		Code:    CodeNoDebuggee,
		Message: fmt.Sprintf("%s: no debuggee is available", operation),
		Hint:    "Identify first, and wait until the engine has loaded a story.",
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// --- Consistency Errors ---

// ActionNotMapped is returned when a rule action cannot be attributed to any
// rule or goal section of the current story generation
func ActionNotMapped(actionID uint32, generation uint32) *DebugError {
	return &DebugError{
		Code:    CodeActionNotMapped,
		Message: fmt.Sprintf("rule action %d is not owned by any rule or goal in generation %d", actionID, generation),
		Hint:    "The rule database structure differs from what the debugger expects; the session will be closed.",
		Details: map[string]interface{}{
			"actionId":   actionID,
			"generation": generation,
		},
	}
}

// StackMismatch is returned when a post hook pops a frame of a different
// type than the most recently pushed one
func StackMismatch(expected, actual types.BreakpointReason, depth int) *DebugError {
	return &DebugError{
		Code:    CodeStackMismatch,
		Message: fmt.Sprintf("call stack mismatch at depth %d: popping %s but top frame is %s", depth, expected, actual),
		Hint:    "Engine pre/post hooks are not balanced; the session will be closed.",
		Details: map[string]interface{}{
			"expected": expected.String(),
			"actual":   actual.String(),
			"depth":    depth,
		},
	}
}

// StackUnderflow is returned when a post hook arrives with no frame to pop
func StackUnderflow(reason types.BreakpointReason) *DebugError {
	return &DebugError{
		Code:    CodeStackUnderflow,
		Message: fmt.Sprintf("call stack underflow while popping %s", reason),
		Hint:    "Engine pre/post hooks are not balanced; the session will be closed.",
		Details: map[string]interface{}{
			"reason": reason.String(),
		},
	}
}

// --- Transport Errors ---

// SequenceMismatch is returned when an inbound message skips or repeats a
// sequence number
func SequenceMismatch(expected, got uint32) *DebugError {
	return &DebugError{
		Code:    CodeSequenceMismatch,
		Message: fmt.Sprintf("inbound sequence mismatch: expected %d, got %d", expected, got),
		Hint:    "A message was dropped or duplicated; reconnect to start a new session.",
		Details: map[string]interface{}{
			"expected": expected,
			"got":      got,
		},
	}
}

// MalformedMessage is returned when a frame cannot be decoded
func MalformedMessage(err error) *DebugError {
	return &DebugError{
		Code:    CodeMalformedMessage,
		Message: fmt.Sprintf("malformed message: %v", err),
		Hint:    "Frames are Content-Length prefixed JSON envelopes {seq, type, body}.",
		Cause:   err,
	}
}

// TransportFailed wraps an I/O failure on the session connection
func TransportFailed(operation string, err error) *DebugError {
	return &DebugError{
		Code:    CodeTransportFailed,
		Message: fmt.Sprintf("transport %s failed: %v", operation, err),
		Cause:   err,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// SessionActive is returned when a second client tries to attach
func SessionActive(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionActive,
		Message: fmt.Sprintf("debug session %s is already active", sessionID),
		Hint:    "Only one debugger client can be attached at a time. Disconnect the other client first.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// --- Input Errors ---

// StoryInvalid is returned when a story file fails validation
func StoryInvalid(reason string) *DebugError {
	return &DebugError{
		Code:    CodeStoryInvalid,
		Message: fmt.Sprintf("story is invalid: %s", reason),
		Hint:    "Check node ids, children and action lists in the story file.",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

// ConfigInvalid is returned when the configuration fails validation
func ConfigInvalid(field, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration field '%s' is invalid: %s", field, reason),
		Hint:    "Check the configuration file for typos and malformed values.",
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// --- Classification helpers ---

// ResultCode maps an error onto the wire result code. Nil maps to Success;
// errors outside the protocol class map to NoDebuggee.
func ResultCode(err error) types.ResultCode {
	if err == nil {
		return types.Success
	}
	var de *DebugError
	if !stderrors.As(err, &de) {
		return types.NoDebuggee
	}
	switch de.Code {
	case CodeUnsupportedBreakpointType:
		return types.UnsupportedBreakpointType
	case CodeInvalidNodeID:
		return types.InvalidNodeID
	case CodeNotInPause:
		return types.NotInPause
	default:
		return types.NoDebuggee
	}
}

// IsConsistency reports whether err means the debugger lost track of the engine
func IsConsistency(err error) bool {
	var de *DebugError
	if !stderrors.As(err, &de) {
		return false
	}
	switch de.Code {
	case CodeActionNotMapped, CodeStackMismatch, CodeStackUnderflow:
		return true
	}
	return false
}

// CodeOf returns the error code of err, or "UNKNOWN_ERROR"
func CodeOf(err error) ErrorCode {
	return FromError(err).Code
}

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
