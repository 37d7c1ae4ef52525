// Package apperr defines the failure kinds shared by the store, the
// conversation manager and the generation clients.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrNotFound covers both a missing row and a row owned by someone else.
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	// ErrVersioning is reported but never returned from an update.
	ErrVersioning = errors.New("versioning failed")
	ErrAuth       = errors.New("authentication required")
	ErrNetwork    = errors.New("network failure")
	ErrTimeout    = errors.New("timeout")
	ErrUpstream   = errors.New("upstream error")
)

// NotFound wraps ErrNotFound with the kind of entity that was looked up.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Problems []string
}

// Validation returns a ValidationError, or nil when there are no problems.
func Validation(problems ...string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UpstreamError is a non-success response from the generation service.
type UpstreamError struct {
	Status int
	Reason string
}

func (e *UpstreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("upstream error (%d)", e.Status)
	}
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Reason)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// RateLimited reports whether the upstream asked the caller to back off.
func (e *UpstreamError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

// Transport classifies an error returned while talking to a downstream
// service as a timeout or a network failure. Nil stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// HTTPStatus maps a failure to the status code returned to API clients.
func HTTPStatus(err error) int {
	var up *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.As(err, &up):
		if up.RateLimited() {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
