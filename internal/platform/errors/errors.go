// Package errors provides coded application errors shared across the
// budget-transfer services. Every error surfaced to a caller carries a
// machine-readable code, an optional reason tag, and a human message.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport mapping and retry decisions.
type Code string

const (
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodePolicy        Code = "POLICY_VIOLATION"
	ErrCodeConfiguration Code = "CONFIGURATION_ERROR"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeInternal      Code = "INTERNAL"
)

// Reason tags give callers a stable identifier for the specific failure
// within a code class.
const (
	ReasonMissingSecurityGroup = "missing-security-group"
	ReasonNoAssignments        = "no-assignments"
	ReasonNoAssignment         = "no-assignment"
	ReasonRejectNotAllowed     = "reject-not-allowed"
	ReasonReasonRequired       = "reason-required"
	ReasonDelegateNotAllowed   = "delegate-not-allowed"
	ReasonDuplicateAction      = "duplicate-action"
	ReasonInvalidTargetUser    = "invalid-target-user"
	ReasonAccessDenied         = "access-denied"
	ReasonStateConflict        = "state-conflict"
	ReasonAlreadyTerminal      = "already-terminal"
	ReasonQuorumUnsatisfiable  = "quorum-unsatisfiable"
	ReasonNotFound             = "not-found"
)

// Error is the application error type.
type Error struct {
	Code    Code
	Reason  string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewWithReason creates an error with a code, reason tag and message.
func NewWithReason(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Reason:  ReasonNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// InvalidInput reports a malformed or missing input field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

// CodeOf extracts the code from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// ReasonOf extracts the reason tag from err, or "" when absent.
func ReasonOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
