package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification, same shape as
// internal/graph's GraphError/classifyStatus pair in the teacher, retargeted
// at the generic object-store verbs spec.md §4.2.b and §6 describe.
var (
	ErrBadRequest         = errors.New("remote: bad request")
	ErrUnauthorized       = errors.New("remote: unauthorized")
	ErrForbidden          = errors.New("remote: forbidden")
	ErrNotFound           = errors.New("remote: object not found")
	ErrPreconditionFailed = errors.New("remote: precondition failed")
	ErrThrottled          = errors.New("remote: throttled")
	ErrServerError        = errors.New("remote: server error")
	ErrContainerGone      = errors.New("remote: container missing")
)

// StoreError wraps a sentinel with the HTTP status and object name that
// produced it.
type StoreError struct {
	StatusCode int
	ObjectName string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("remote: HTTP %d for %q: %v", e.StatusCode, e.ObjectName, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error. Returns nil
// for 2xx.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return fmt.Errorf("remote: unexpected status %d", code)
	}
}

// isRetryable reports whether code should be retried by the go-retry loop in
// client.go, mirroring the teacher's isRetryable classification.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
