package syncclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, syncclient.ErrForbidden) to check.
var (
	ErrBadRequest   = errors.New("syncclient: bad request")
	ErrUnauthorized = errors.New("syncclient: unauthorized")
	ErrForbidden    = errors.New("syncclient: forbidden")
	ErrNotFound     = errors.New("syncclient: not found")
	ErrThrottled    = errors.New("syncclient: throttled")
	ErrUnavailable  = errors.New("syncclient: service unavailable")
	ErrServerError  = errors.New("syncclient: server error")
)

// Cycle outcomes that are not failures of the server exchange itself.
var (
	ErrBusy    = errors.New("syncclient: sync already running")
	ErrLimited = errors.New("syncclient: trigger rate limited")
	ErrBackoff = errors.New("syncclient: backing off after failures")
	ErrOffline = errors.New("syncclient: server unreachable")
)

// APIError wraps a sentinel with the status code and the server's message.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("syncclient: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

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
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the status should be retried. 503 covers the
// server's catch-up failure, which is advertised with Retry-After.
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
