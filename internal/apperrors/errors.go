// Package apperrors provides the typed error taxonomy used across the
// pipeline. Every component translates transport failures into one of these
// kinds so callers can map errors to status codes, retry policy, and
// user-facing text without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and retry policy.
type Kind string

const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindTimeout      Kind = "TIMEOUT"
	KindUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// HTTPStatus maps an error kind to its wire status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers may retry an error of this kind.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTimeout || k == KindUnavailable
}

// UserMessage is the {title, message, suggestion} triple shown to end users.
type UserMessage struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error is the taxonomy error type. Wrap preserves the underlying cause for
// errors.Is/As while Kind drives behavior.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// User returns the display triple for this error.
func (e *Error) User() UserMessage {
	switch e.Kind {
	case KindValidation:
		return UserMessage{
			Title:      "Invalid request",
			Message:    "The question or its parameters could not be understood.",
			Suggestion: "Check the patient selection and rephrase the question.",
		}
	case KindUnauthorized:
		return UserMessage{
			Title:   "Not signed in",
			Message: "This request requires authentication.",
		}
	case KindForbidden:
		return UserMessage{
			Title:   "Not allowed",
			Message: "You do not have access to this patient's record.",
		}
	case KindNotFound:
		return UserMessage{
			Title:      "Not found",
			Message:    "The requested record could not be found.",
			Suggestion: "It may have been removed or never indexed.",
		}
	case KindRateLimited:
		return UserMessage{
			Title:      "Too many requests",
			Message:    "An upstream service is rate limiting requests.",
			Suggestion: "Wait a moment and try again.",
		}
	case KindTimeout:
		return UserMessage{
			Title:      "Request timed out",
			Message:    "The answer could not be produced in time.",
			Suggestion: "Try again, or narrow the question.",
		}
	case KindUnavailable:
		return UserMessage{
			Title:      "Service unavailable",
			Message:    "A service this answer depends on is currently unavailable.",
			Suggestion: "Please retry shortly.",
		}
	default:
		return UserMessage{
			Title:      "Something went wrong",
			Message:    "An unexpected error occurred while answering.",
			Suggestion: "Try again; the failure has been recorded.",
		}
	}
}

// New creates a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details for the error envelope.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf returns the taxonomy kind of an error, or KindInternal for errors
// outside the taxonomy.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
