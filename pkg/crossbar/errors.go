package crossbar

import (
	"errors"
	"fmt"
)

// AuthError reports that the client could not obtain a session token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "crossbar: authenticate: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UpstreamRequestError reports a request that still failed after the client
// re-authenticated and retried it once.
type UpstreamRequestError struct {
	Method     string
	Path       string
	StatusCode int
	Err        error
}

func (e *UpstreamRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("crossbar: %s %s: status %d: %v", e.Method, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("crossbar: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *UpstreamRequestError) Unwrap() error {
	return e.Err
}

// statusError is a non-2xx response. Body is already redacted.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
