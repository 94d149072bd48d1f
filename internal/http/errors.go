package http

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors.
var (
	// ErrInvalidResource is returned before any network call when a resource
	// identifier cannot be parsed as an http(s) URL.
	ErrInvalidResource = errors.New("http: invalid resource")

	// ErrServerError matches every *StatusError with errors.Is.
	ErrServerError = errors.New("http: server error")
)

// StatusError is returned when a response carries a status the caller did
// not expect.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: unexpected status %d %s from %s",
		e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Is makes errors.Is(err, ErrServerError) true for any status error.
func (e *StatusError) Is(target error) bool {
	return target == ErrServerError
}

// TransportError wraps a connection-level failure: DNS, dial, reset, timeout
// or a body read that broke off. Callers may retry.
type TransportError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("http: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("http: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a payload does not match the expected schema.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("http: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
