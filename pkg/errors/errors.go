// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Helmsman.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies control-plane errors for propagation and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeSchemaInvalid indicates a payload failed schema validation. Never retried.
	CodeSchemaInvalid ErrorCode = "SCHEMA_INVALID"

	// CodePolicyDenied indicates the policy engine denied the action. Never retried.
	CodePolicyDenied ErrorCode = "POLICY_DENIED"

	// CodeApprovalTimeout indicates the approval window elapsed without a decision.
	CodeApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"

	// CodeToolTransient indicates a tool failure worth retrying with backoff.
	CodeToolTransient ErrorCode = "TOOL_EXECUTION_TRANSIENT"

	// CodeToolPermanent indicates a tool failure that retrying cannot fix.
	CodeToolPermanent ErrorCode = "TOOL_EXECUTION_PERMANENT"

	// CodeStateDeltaRejected indicates the state repository refused a delta.
	CodeStateDeltaRejected ErrorCode = "STATE_DELTA_REJECTED"

	// CodeModelUnavailable indicates no model backend could serve the request.
	CodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"

	// CodeReplayMismatch indicates the audit log and repository disagree on
	// committed state. Fatal to automated recovery.
	CodeReplayMismatch ErrorCode = "AUDIT_REPLAY_MISMATCH"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// Error is a typed error with context for auditing and observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	payload := map[string]any{
		"code":        string(e.Code),
		"message":     e.Message,
		"recoverable": e.Recoverable,
	}
	if e.Err != nil {
		payload["cause"] = e.Err.Error()
	}
	if len(e.Context) > 0 {
		payload["context"] = e.Context
	}
	return json.Marshal(payload)
}

// New creates a new Error with the given code, message, and cause.
// Transient tool failures are marked recoverable automatically.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]any),
		Recoverable: code == CodeToolTransient || code == CodeTimeout,
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As attempts to convert an error to *Error, wrapping unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if he, ok := err.(*Error); ok {
		return he
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if he, ok := err.(*Error); ok {
		return he.Code
	}
	return CodeInternal
}

// IsRecoverable reports whether the error is worth retrying.
// Untyped errors are not retried; the caller must classify them first.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if he, ok := err.(*Error); ok {
		return he.Recoverable
	}
	return false
}

// Reason returns a human-readable reason suitable for surfacing to a caller.
// It never includes a raw stack trace.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if he, ok := err.(*Error); ok {
		if he.Message != "" {
			return he.Message
		}
		return string(he.Code)
	}
	return err.Error()
}
