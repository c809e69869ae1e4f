// Package cloud provides the HTTP client for the page-sync cloud store
// with authentication, error classification, and a websocket notification
// stream. It performs no internal retries: retry policy belongs to the
// sync state machines, which need to classify each failure themselves.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, cloud.ErrThrottled) to check.
var (
	ErrBadRequest      = errors.New("cloud: bad request")
	ErrUnauthorized    = errors.New("cloud: unauthorized")
	ErrForbidden       = errors.New("cloud: forbidden")
	ErrNotFound        = errors.New("cloud: not found")
	ErrPayloadRejected = errors.New("cloud: payload rejected")
	ErrTooLarge        = errors.New("cloud: payload too large")
	ErrThrottled       = errors.New("cloud: throttled")
	ErrServerError     = errors.New("cloud: server error")
	ErrUnavailable     = errors.New("cloud: service unavailable")
	ErrTimeout         = errors.New("cloud: request timed out")
)

// Error wraps a sentinel error with HTTP status code, request ID, and the
// API error message body for debugging.
type Error struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cloud: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("cloud: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		return ErrPayloadRejected
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// IsTemporary reports whether err represents a transient condition the
// caller should retry with backoff. Network-level errors, timeouts,
// throttling, and 5xx responses are temporary; everything else (including
// serialization and encryption failures) is structural and permanent.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
