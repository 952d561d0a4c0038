package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary provider failure that may
	// succeed on re-poll. Examples: network timeouts, provider busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a lost compare-and-swap race.
	// Expected during traversal supersession; callers abandon the work
	// unit silently rather than surfacing a failure.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: graph validation failure, terminal handler error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with entity/traversal context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// EntityID is the entity that caused the error, if applicable.
	EntityID string `json:"entity_id,omitempty"`

	// TraversalID is the traversal in whose context the error occurred.
	TraversalID string `json:"traversal_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.EntityID != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (entity=%s, operation=%s): %s",
			e.Class, e.Message, e.EntityID, e.Operation, e.unwrapMessage())
	}
	if e.EntityID != "" {
		return fmt.Sprintf("[%s] %s (entity=%s): %s",
			e.Class, e.Message, e.EntityID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithEntity adds entity context to an error.
func (e *EngineError) WithEntity(entityID string) *EngineError {
	e.EntityID = entityID
	return e
}

// WithTraversal adds traversal context to an error.
func (e *EngineError) WithTraversal(traversalID string) *EngineError {
	e.TraversalID = traversalID
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
// Conflicts are the expected outcome of losing a CAS race and are
// never escalated to entity failure.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the dispatcher poll loop may retry the operation.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeStaleClaim      = "STALE_CLAIM"
	ErrCodeStaleTraversal  = "STALE_TRAVERSAL"
	ErrCodeCASConflict     = "CAS_CONFLICT"
	ErrCodeCycle           = "DEPENDENCY_CYCLE"
	ErrCodeHandlerFailed   = "HANDLER_FAILED"
	ErrCodePredecessorFail = "PREDECESSOR_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
