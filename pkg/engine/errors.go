package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for the closed-loop
// resolution logic.
type ErrorClass string

const (
	// ErrorClassSyntax indicates a malformed request: bad arguments, type
	// mismatches in a comparison, an illegal action. Never resolved locally.
	ErrorClassSyntax ErrorClass = "syntax"

	// ErrorClassData indicates a telemetry or transport problem: fetch
	// timeout, invalid sample, unreachable ground system.
	ErrorClassData ErrorClass = "data"

	// ErrorClassOperation indicates that the operation ran but did not
	// achieve its goal (command rejected, verification failed).
	ErrorClassOperation ErrorClass = "operation"

	// ErrorClassHandled indicates a failure the operator chose to hand back
	// to the procedure.
	ErrorClassHandled ErrorClass = "handled"

	// ErrorClassAborted indicates the execution was aborted or interrupted.
	ErrorClassAborted ErrorClass = "aborted"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification used by the resolver.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Item is the telemetry parameter or command that caused the error, if applicable.
	Item string `json:"item,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Item != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (item=%s, operation=%s)", msg, e.Item, e.Operation)
	case e.Item != "":
		msg = fmt.Sprintf("%s (item=%s)", msg, e.Item)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSyntaxError creates a new syntax error.
func NewSyntaxError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassSyntax, Message: message, Err: err}
}

// NewDataError creates a new data error.
func NewDataError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassData, Message: message, Err: err}
}

// NewOperationError creates a new operation error.
func NewOperationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassOperation, Message: message, Err: err}
}

// NewAbortedError creates a new aborted error.
func NewAbortedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassAborted, Message: message, Err: err, Code: ErrCodeAborted}
}

// WithItem adds item context to an error.
func (e *EngineError) WithItem(item string) *EngineError {
	e.Item = item
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain. Context
// cancellation is reported as aborted; anything unclassified is an operation
// error.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	var h *HandledFailure
	if errors.As(err, &h) {
		return ErrorClassHandled
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassData
	}
	return ErrorClassOperation
}

// IsSyntax returns true if the error is classified as a syntax error.
func IsSyntax(err error) bool {
	return ClassOf(err) == ErrorClassSyntax
}

// IsData returns true if the error is classified as a data error.
func IsData(err error) bool {
	return ClassOf(err) == ErrorClassData
}

// IsOperation returns true if the error is classified as an operation error.
func IsOperation(err error) bool {
	return ClassOf(err) == ErrorClassOperation
}

// IsAborted returns true if the error signals an aborted execution.
func IsAborted(err error) bool {
	return ClassOf(err) == ErrorClassAborted
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HandledFailure describes a failure handed back to the procedure by the
// HANDLE action.
type HandledFailure struct {
	// Code is the error code of the failure being handled.
	Code string `json:"code"`

	// Kind is the kind of the operation that failed.
	Kind string `json:"kind"`

	// Item is the parameter or command involved, if any.
	Item string `json:"item,omitempty"`

	// Message is the message of the original failure.
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (h *HandledFailure) Error() string {
	if h.Item != "" {
		return fmt.Sprintf("handled %s failure %s on %s: %s", h.Kind, h.Code, h.Item, h.Message)
	}
	return fmt.Sprintf("handled %s failure %s: %s", h.Kind, h.Code, h.Message)
}

// Common error codes.
const (
	ErrCodeArguments          = "INVALID_ARGUMENTS"
	ErrCodeTypeMismatch       = "TYPE_MISMATCH"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInvalidValue       = "INVALID_VALUE"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeUnknownItem        = "UNKNOWN_ITEM"
	ErrCodeIllegalAction      = "ILLEGAL_ACTION"
	ErrCodeNoLegalAction      = "NO_LEGAL_ACTION"
	ErrCodeUnresolvedAction   = "UNRESOLVED_ACTION"
	ErrCodeCommandRejected    = "COMMAND_REJECTED"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeAborted            = "ABORTED"
	ErrCodeUnknown            = "UNKNOWN"
)

// IllegalAction returns the error raised when an action is requested that
// the operation or the active policy does not allow.
func IllegalAction(action ActionCode, op string) *EngineError {
	return NewSyntaxError(fmt.Sprintf("action %s is not available", action), nil).
		WithCode(ErrCodeIllegalAction).
		WithOperation(op)
}
