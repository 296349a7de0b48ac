package gateway

import (
	"errors"
	"net/http"
)

// Kind classifies a failed invocation. Every error the gateway returns
// carries exactly one kind; callers branch on it instead of matching
// message text.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindInvalidParameters Kind = "invalid_parameters"
	KindExecutionError    Kind = "execution_error"
	KindSecurityViolation Kind = "security_violation"
	KindSyntaxError       Kind = "syntax_error"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindUnknownCapability Kind = "unknown_capability"
)

// Error is the normalized failure shape for capability invocations and
// script runs.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetails attaches a detail field and returns the error for chaining.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// HTTPStatus maps the kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound, KindUnknownCapability:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindInvalidParameters, KindSecurityViolation, KindSyntaxError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AsError unwraps err into a gateway Error, normalizing anything else
// into an execution error so callers always get the taxonomy shape.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return NewError(KindExecutionError, err.Error())
}
