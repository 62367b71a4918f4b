// Package engine implements the LaunchFlow control-plane core: the entity
// model, dependency graph, plan computation, and the execution pipeline that
// drives provisioning executors against a shared state store.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassRetryable indicates a failure that may succeed on a later
	// attempt. Examples: lock contention, a CAS write that lost a race.
	ErrorClassRetryable ErrorClass = "retryable"

	// ErrorClassConflict indicates a state conflict. The caller must re-read
	// the current state and re-plan before retrying.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTerminal indicates a non-recoverable error. Examples: cyclic
	// dependencies, validation failures, an executor's permanent failure.
	ErrorClassTerminal ErrorClass = "terminal"
)

// EngineError is a classified error with entity and operation context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Entity is the entity id that produced the error, if applicable.
	Entity string `json:"entity,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries additional context-specific information, such as the
	// holder of a contended lock or the ids forming a dependency cycle.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Entity != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (entity=%s, operation=%s)", e.Code, msg, e.Entity, e.Operation)
	}
	if e.Entity != "" {
		return fmt.Sprintf("[%s] %s (entity=%s)", e.Code, msg, e.Entity)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewRetryableError creates a retryable error.
func NewRetryableError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassRetryable, Message: message, Err: err}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewTerminalError creates a terminal error.
func NewTerminalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTerminal, Message: message, Err: err}
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithEntity adds entity context to the error.
func (e *EngineError) WithEntity(entityID string) *EngineError {
	e.Entity = entityID
	return e
}

// WithOperation adds operation context to the error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
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

// Error codes covering the engine's failure taxonomy.
const (
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeConflict                = "CONFLICT"
	ErrCodeLockBusy                = "LOCK_BUSY"
	ErrCodeLockExpired             = "LOCK_EXPIRED"
	ErrCodeCyclicDependency        = "CYCLIC_DEPENDENCY"
	ErrCodeDependencyAppeared      = "DEPENDENCY_APPEARED"
	ErrCodeDependentExists         = "DEPENDENT_EXISTS"
	ErrCodeProvisioningFailed      = "PROVISIONING_FAILED"
	ErrCodePromotionSourceNotReady = "PROMOTION_SOURCE_NOT_READY"
	ErrCodePolicyDenied            = "POLICY_DENIED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// hasCode reports whether err carries the given engine error code.
func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable returns true if the error may succeed on a later attempt.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRetryable
	}
	return false
}

// IsConflict returns true if a CAS write lost a race and the caller must
// re-read and re-plan.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsLockBusy returns true if another holder's lease blocked the operation.
func IsLockBusy(err error) bool { return hasCode(err, ErrCodeLockBusy) }

// IsCyclicDependency returns true for dependency cycles in declared entities.
func IsCyclicDependency(err error) bool { return hasCode(err, ErrCodeCyclicDependency) }

// IsDependencyAppeared returns true when a destroy step detected a dependency
// introduced after planning.
func IsDependencyAppeared(err error) bool { return hasCode(err, ErrCodeDependencyAppeared) }

// IsValidation returns true for configuration and declaration errors the user
// must fix.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation) || hasCode(err, ErrCodeDependentExists) ||
		hasCode(err, ErrCodePolicyDenied) || IsCyclicDependency(err)
}
