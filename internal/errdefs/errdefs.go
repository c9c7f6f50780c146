// Package errdefs defines the error kinds shared by the pipelines, the
// collection backends and the HTTP surface.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks a malformed or inconsistent request shape.
	ErrValidation = errors.New("validation error")
	// ErrDimensionMismatch marks a vector whose length differs from the collection dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrConfiguration marks invalid component parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrUpstreamUnavailable marks an unreachable or timed-out embedding provider
	// or storage backend. Callers may retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStore marks any other persistence or index failure.
	ErrStore = errors.New("store error")
)

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Validationf returns an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// DimensionMismatch reports a vector of length got against a collection of dimension want.
func DimensionMismatch(got, want int) error {
	return wrap(ErrDimensionMismatch, "vector has %d dimensions, collection expects %d", got, want)
}

// Configurationf returns an ErrConfiguration with a formatted message.
func Configurationf(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// Upstream wraps err as ErrUpstreamUnavailable. The original error stays in the chain.
func Upstream(op string, err error) error {
	if err == nil || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}

// Store wraps err as ErrStore unless it already carries a kind.
// Deadline expiry is reported as ErrUpstreamUnavailable.
func Store(op string, err error) error {
	if err == nil || HasKind(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Upstream(op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// HasKind reports whether err already carries one of the taxonomy sentinels.
func HasKind(err error) bool {
	for _, kind := range []error{ErrValidation, ErrDimensionMismatch, ErrConfiguration, ErrUpstreamUnavailable, ErrStore} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// HTTPStatus maps an error to the status code of the HTTP surface.
// Only validation failures are client errors.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
