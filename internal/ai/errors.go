package ai

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a failure worth retrying. The string matcher below is
// the only place provider-specific error text is interpreted; everything
// above the transport works with the type.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// transientMarkers are the substrings that identify a retryable network
// failure in provider and transport error text.
var transientMarkers = []string{
	"EOF",
	"timeout",
	"connection reset",
	"connection refused",
	"forcibly closed",
	"temporary failure",
	"no such host",
	"broken pipe",
	"network unreachable",
}

// classify wraps err as transient when its text matches a known network
// failure, and returns it unchanged otherwise.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return &TransientError{Err: err}
		}
	}
	return err
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// StatusError is a non-2xx provider response. Never retried; the provider
// received and rejected the request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}
