package relation

import (
	"errors"
	"fmt"
)

// Error represents a recoverable failure surfaced by a relation.
//
// Error kinds:
//   - Mutated during enumeration: a read raced a write; retry the read
//   - Storage: the backing store failed; Cause holds the backend error
//   - Data: a stored row or value could not be decoded
//
// Programmer mistakes (scheme mismatch, unknown attributes) are not Errors:
// they panic.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Relation names the relation involved, when known.
	Relation string

	// Cause is the wrapped backend error, if any.
	Cause error
}

// ErrorCode categorizes relation errors.
type ErrorCode string

const (
	// ErrCodeMutatedDuringEnumeration indicates content changed mid-read.
	ErrCodeMutatedDuringEnumeration ErrorCode = "MUTATED_DURING_ENUMERATION"

	// ErrCodeStorage indicates the backing store failed.
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeData indicates a stored row could not be decoded.
	ErrCodeData ErrorCode = "DATA"
)

// ErrMutatedDuringEnumeration is yielded by a Rows sequence whose sources
// changed after the sequence was created.
var ErrMutatedDuringEnumeration = &Error{
	Code:    ErrCodeMutatedDuringEnumeration,
	Message: "relation mutated during enumeration",
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Relation != "" {
		msg += fmt.Sprintf(" (relation=%s)", e.Relation)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the backend cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is works against
// the ErrMutatedDuringEnumeration sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == e.Message
}

// IsMutatedDuringEnumeration returns true if err reports a read that raced
// a write. Uses errors.As to handle wrapped errors.
func IsMutatedDuringEnumeration(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeMutatedDuringEnumeration
	}
	return false
}

// IsStorageError returns true if err is a storage failure.
func IsStorageError(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeStorage
	}
	return false
}

// IsDataError returns true if err is a decode failure.
func IsDataError(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeData
	}
	return false
}

// NewStorageError wraps a backend failure.
func NewStorageError(relation string, cause error) *Error {
	return &Error{
		Code:     ErrCodeStorage,
		Message:  "storage operation failed",
		Relation: relation,
		Cause:    cause,
	}
}

// NewDataError reports an undecodable row.
func NewDataError(relation, message string, cause error) *Error {
	return &Error{
		Code:     ErrCodeData,
		Message:  message,
		Relation: relation,
		Cause:    cause,
	}
}
