package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the flow.
type ErrorKind string

const (
	ErrUnknownIntent      ErrorKind = "unknown_intent"
	ErrMissingRequired    ErrorKind = "missing_required"
	ErrInvalidParam       ErrorKind = "invalid_param"
	ErrExecutionFailed    ErrorKind = "execution_failed"
	ErrBackendUnavailable ErrorKind = "backend_unavailable"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrTimeout            ErrorKind = "timeout"
	ErrCancelled          ErrorKind = "cancelled"
)

// Recoverable reports whether the user can continue the session after this kind of error.
// Rate limiting is not retried; the user is asked to wait.
func (k ErrorKind) Recoverable() bool {
	return k != ErrRateLimited
}

// FlowError is the user-facing error block of a FlowResponse.
type FlowError struct {
	Kind        ErrorKind `json:"kind"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Recoverable bool      `json:"recoverable"`
}

// NewFlowError builds a FlowError with the recoverability policy applied.
func NewFlowError(kind ErrorKind, title, message string, suggestions ...string) *FlowError {
	return &FlowError{
		Kind:        kind,
		Title:       title,
		Message:     message,
		Suggestions: suggestions,
		Recoverable: kind.Recoverable(),
	}
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrSuperseded is returned when a newer message for the same session replaced an in-flight call.
var ErrSuperseded = errors.New("superseded by a newer message")
