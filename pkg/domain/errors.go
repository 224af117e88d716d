package domain

import (
	"errors"
	"fmt"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a key.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrBusy is returned when a second execution is attempted against a locked
// isolation key under a no-wait policy.
var ErrBusy = errors.New("execution already in progress for this key")

// ErrBundleNotFound is returned when a bundle ID is unknown.
var ErrBundleNotFound = errors.New("bundle not found")

// ErrServerNotFound is returned when a server ID is unknown to the pool.
var ErrServerNotFound = errors.New("tool server not found")

// ErrMaxSteps is set on the execution state when the tool loop hits its
// iteration bound.
const ErrMaxSteps = "max_steps_exceeded"

// ErrDeadline is set on the execution state when the request deadline
// expires mid-turn.
const ErrDeadline = "deadline_exceeded"

// ToolErrorKind classifies tool invocation failures.
type ToolErrorKind string

const (
	ToolErrUnavailable      ToolErrorKind = "unavailable"
	ToolErrTimeout          ToolErrorKind = "timeout"
	ToolErrPoolExhausted    ToolErrorKind = "pool_exhausted"
	ToolErrTransport        ToolErrorKind = "transport"
	ToolErrRemote           ToolErrorKind = "remote_error"
	ToolErrPermissionDenied ToolErrorKind = "permission_denied"
	ToolErrInvalidArgs      ToolErrorKind = "invalid_args"
)

// ToolError is the uniform failure type for tool dispatch. Connection-level
// failures from the pool are translated into this type before they reach the
// executor; transport details never leak upward.
type ToolError struct {
	Kind ToolErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError builds a ToolError wrapping an underlying cause.
func NewToolError(kind ToolErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

// AsToolError unwraps err into a ToolError if possible.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
