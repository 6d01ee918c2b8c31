package remote

// Package remote holds what the two capability clients share: the error
// taxonomy that separates transient from permanent API failures, and the
// bounded retry loop built on it.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a failure reported by a capability endpoint, carrying enough
// of the HTTP status to classify it.
type APIError struct {
	Op         string // "layout" or "recognize"
	StatusCode int    // 0 when the request never reached the server
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s request failed: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request can plausibly succeed:
// server-side errors and rate-limit signals are transient, other client
// errors are permanent.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ErrMalformedResponse marks capability output that could not be parsed into
// the expected shape. Treated as permanent.
var ErrMalformedResponse = errors.New("malformed capability response")

// IsTransient classifies an error from a capability call. Network-level
// failures (timeouts, refused connections) are transient; a cancelled context
// is not, so interrupts do not burn retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
