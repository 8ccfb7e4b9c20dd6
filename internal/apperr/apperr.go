// Package apperr defines the error taxonomy shared by the order lifecycle
// components and its mapping onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrAuth              = errors.New("authentication failed")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrStore             = errors.New("record store unavailable")
	ErrExternalService   = errors.New("external service error")
	ErrRateLimited       = errors.New("rate limited")
	ErrTransitionRefused = errors.New("transition refused")
)

// ValidationError carries field-level detail for caller-fixable input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation builds a ValidationError for a single field.
func NewValidation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// Kind names the taxonomy member of err for logs and responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrValidation):
		return "validation_error"

	case errors.Is(err, ErrAuth):
		return "auth_error"

	case errors.Is(err, ErrForbidden):
		return "forbidden"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrRateLimited):
		return "rate_limited"

	case errors.Is(err, ErrTransitionRefused):
		return "transition_refused"

	case errors.Is(err, ErrExternalService):
		return "external_service_error"

	case errors.Is(err, ErrStore):
		return "store_error"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

// HTTPStatus maps err onto a response code; nil is 200.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrTransitionRefused):
		return http.StatusConflict

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests

	case errors.Is(err, ErrExternalService):
		return http.StatusFailedDependency

	case errors.Is(err, ErrStore):
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same call may succeed later without the
// caller changing its input.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStore),
		errors.Is(err, ErrExternalService),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
