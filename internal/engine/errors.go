package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a failure detected while the manager ran a
// batch.
//
// Runtime errors include:
//   - Action failed: a queued mutation, restore or apply returned an error
//   - Commit failed: ending a database transaction returned an error
//   - Node failed: computing an observed relation's change or content failed
//   - Checkpoint panicked: a checkpoint func panicked and was recovered
//
// Action and commit failures are delivered to every observed relation
// that depends on the relations involved. Node failures reach only the
// failing node's observers.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// BatchID identifies the batch the failure happened in.
	BatchID string

	// Relation names the relation involved, if any.
	Relation string

	// Cause is the underlying error, if any.
	Cause error

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeActionFailed indicates a queued action returned an error.
	ErrCodeActionFailed RuntimeErrorCode = "ACTION_FAILED"

	// ErrCodeCommitFailed indicates a database transaction could not commit.
	ErrCodeCommitFailed RuntimeErrorCode = "COMMIT_FAILED"

	// ErrCodeNodeFailed indicates an observed relation could not be computed.
	ErrCodeNodeFailed RuntimeErrorCode = "NODE_FAILED"

	// ErrCodeCheckpointPanicked indicates a checkpoint func panicked.
	ErrCodeCheckpointPanicked RuntimeErrorCode = "CHECKPOINT_PANICKED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Relation != "" {
		msg += fmt.Sprintf(" (relation=%s)", e.Relation)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause so errors.Is and errors.As see through the
// runtime error, e.g. to relation.ErrMutatedDuringEnumeration.
func (e *RuntimeError) Unwrap() error { return e.Cause }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsActionError returns true if err is an action failure.
// Uses errors.As to handle wrapped errors.
func IsActionError(err error) bool { return hasCode(err, ErrCodeActionFailed) }

// IsCommitError returns true if err is a commit failure.
func IsCommitError(err error) bool { return hasCode(err, ErrCodeCommitFailed) }

// IsNodeError returns true if err is a node failure.
func IsNodeError(err error) bool { return hasCode(err, ErrCodeNodeFailed) }

// NewActionError creates a RuntimeError for a failed action.
func NewActionError(batchID string, kind fmt.Stringer, relation string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeActionFailed,
		Message:  kind.String() + " failed",
		BatchID:  batchID,
		Relation: relation,
		Cause:    cause,
		Details:  map[string]string{"action": kind.String()},
	}
}

// NewCommitError creates a RuntimeError for a failed transaction commit.
func NewCommitError(batchID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCommitFailed,
		Message: "transaction commit failed",
		BatchID: batchID,
		Cause:   cause,
	}
}

// NewNodeError creates a RuntimeError for an observed relation whose
// change or content could not be computed.
func NewNodeError(batchID, relation string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeNodeFailed,
		Message:  "computing relation failed",
		BatchID:  batchID,
		Relation: relation,
		Cause:    cause,
	}
}

// NewCheckpointError creates a RuntimeError for a recovered checkpoint
// panic.
func NewCheckpointError(batchID string, recovered any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCheckpointPanicked,
		Message: fmt.Sprintf("checkpoint panicked: %v", recovered),
		BatchID: batchID,
		Details: map[string]string{"panic": fmt.Sprintf("%v", recovered)},
	}
}
