package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Spec and schema errors
	ErrValidation = errors.New("validation failed")
	ErrParse      = errors.New("request could not be parsed")

	// Synthesis errors
	ErrCodeGeneration     = errors.New("code generation failed")
	ErrForbiddenOperation = errors.New("forbidden operation in generated source")

	// Sandbox errors
	ErrSandboxTimeout = errors.New("sandbox execution timeout")
	ErrSandboxBuild   = errors.New("sandbox image build failed")
	ErrSandboxCreate  = errors.New("sandbox creation failed")
	ErrSandboxRuntime = errors.New("sandbox runtime failure")

	// Messaging errors
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnknownMessageType = errors.New("unknown message type")

	// External capability errors
	ErrCompletion = errors.New("completion provider failed")

	// Storage errors
	ErrNotFound           = errors.New("not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotInitialized     = errors.New("not initialized")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "bus.Publish")
	Kind    string // Error kind (e.g., "messaging", "sandbox", "spec")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error.
func NewError(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// ValidationError reports a single failed invariant on a spec or schema.
// It always wraps ErrValidation so callers can test with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsValidation reports whether err is a spec or schema invariant failure.
// Validation errors are surfaced to the caller and never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRateLimited reports whether a publish was refused by the rate limiter.
// Rate-limited messages are never dead-lettered.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCheckpointNotFound)
}

// IsRetryable checks if an error is retryable within a node's retry budget.
// Retryable errors are typically transient provider or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCompletion) ||
		errors.Is(err, ErrParse) ||
		errors.Is(err, ErrSandboxRuntime)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
