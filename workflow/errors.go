package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below wrap or match them so callers can use errors.Is.
var (
	// ErrGraphFormat is wrapped by every *GraphFormatError.
	ErrGraphFormat = errors.New("invalid workflow graph")
	// ErrEngineClosed is matched by *EngineClosedError.
	ErrEngineClosed = errors.New("workflow engine is closed")
	// ErrUnsupported is returned when the step executor does not implement an optional extension.
	ErrUnsupported = errors.New("operation not supported by step executor")
	// ErrNotImplemented is the BaseExecutor answer for CancelNode and RestartNode.
	ErrNotImplemented = errors.New("not implemented")
)

// GraphFormatError reports a malformed graph definition.
type GraphFormatError struct {
	Token  string
	Pos    int
	Reason string
}

func (e *GraphFormatError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %s", ErrGraphFormat, e.Reason)
	}
	return fmt.Sprintf("%s: %s (token %q at %d)", ErrGraphFormat, e.Reason, e.Token, e.Pos)
}

func (e *GraphFormatError) Unwrap() error { return ErrGraphFormat }

func formatError(token string, pos int, format string, args ...any) *GraphFormatError {
	return &GraphFormatError{Token: token, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

// StepExecutionError is captured when a step executor returns an error or panics.
type StepExecutionError struct {
	WorkflowID string
	NodeID     string
	Cause      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("workflow(%s) node(%s) failed: %v", e.WorkflowID, e.NodeID, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// StepTimeoutError is captured when a node exceeds its timeout.
type StepTimeoutError struct {
	WorkflowID string
	NodeID     string
	Timeout    time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("workflow(%s) node(%s) timed out after %s", e.WorkflowID, e.NodeID, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// EngineClosedError is returned when a message is sent to a closed instance or engine.
type EngineClosedError struct {
	WorkflowID string
}

func (e *EngineClosedError) Error() string {
	if e.WorkflowID == "" {
		return ErrEngineClosed.Error()
	}
	return fmt.Sprintf("workflow(%s): %s", e.WorkflowID, ErrEngineClosed)
}

func (e *EngineClosedError) Is(target error) bool { return target == ErrEngineClosed }

// UnresolvedNodeError describes a node whose traversal label has no outgoing edge.
// It is logged, never returned to callers.
type UnresolvedNodeError struct {
	NodeID string
	Label  EdgeLabel
}

func (e *UnresolvedNodeError) Error() string {
	return fmt.Sprintf("node(%s) has no outgoing edge for label %s", e.NodeID, e.Label)
}
