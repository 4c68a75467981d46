package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// UpstreamTimeoutError reports an external call that kept timing out after
// its retry budget was spent. Callers surface it as a transient failure.
type UpstreamTimeoutError struct {
	Service   string
	Operation string
	Timeout   time.Duration
	Attempts  int
	Err       error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %d attempt(s) of %s", e.Service, e.Operation, e.Attempts, e.Timeout)
}

func (e *UpstreamTimeoutError) Unwrap() error {
	return e.Err
}

// TransientError wraps an upstream error that is safe to retry later
// (e.g., 429, 5xx). It is not retried automatically.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTimeout reports whether err is a timeout: an UpstreamTimeoutError, an
// expired deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var ute *UpstreamTimeoutError
	if errors.As(err, &ute) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded") ||
		strings.Contains(msg, "tls handshake timeout")
}

// IsTransient returns true if err is a timeout or an explicit TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te) || IsTimeout(err)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
