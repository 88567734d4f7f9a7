package imis

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote-API failure. The migration engine uses the
// kind to decide retryability: request-level failures and 5xx responses are
// transient, everything else is permanent.
type ErrorKind string

const (
	// ErrorKindRequest is a transport-level failure: the request never
	// produced an HTTP response (DNS, connect, timeout, broken pipe).
	ErrorKindRequest ErrorKind = "request"
	// ErrorKindResponse means the remote answered with a non-2xx status.
	ErrorKindResponse ErrorKind = "response"
	// ErrorKindSchema means the remote answered 2xx but the body did not
	// have the shape this client expects.
	ErrorKindSchema ErrorKind = "schema"
)

// APIError is the classified failure every client call returns.
type APIError struct {
	Kind   ErrorKind
	Status int // HTTP status, set for response errors
	Op     string
	Err    error
}

func (e *APIError) Error() string {
	switch e.Kind {
	case ErrorKindResponse:
		return fmt.Sprintf("%s: remote returned status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether retrying this failure could plausibly succeed.
func (e *APIError) Transient() bool {
	if e.Kind == ErrorKindRequest {
		return true
	}
	return e.Kind == ErrorKindResponse && e.Status >= 500
}

// IsTransient reports whether err is (or wraps) a transient remote failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// InsertError reports a failed insert after the client's internal bounded
// retry. Attempts counts the tries actually performed, including the first,
// so callers can audit exactly how often the remote was asked.
type InsertError struct {
	Attempts int
	Err      error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }
