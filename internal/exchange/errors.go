package exchange

import (
	"errors"
	"fmt"
)

// ErrorClass categorizes exchange failures so callers can decide whether to
// retry, back off, or surface the failure immediately.
type ErrorClass string

const (
	ClassRateLimit ErrorClass = "RATE_LIMIT"
	ClassAuth      ErrorClass = "AUTH"
	ClassNetwork   ErrorClass = "NETWORK"
	ClassAPI       ErrorClass = "API" // exchange rejected the request (bad params, insufficient margin, ...)
)

// Error wraps an underlying exchange failure with a class so the scheduler
// and executor can branch on retry-worthiness without string matching.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange error [%s] status=%d: %v", e.Class, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler/executor should retry this call
// after a backoff. Rate limits and transient network errors are; auth and
// API-level rejections are not.
func (e *Error) Retryable() bool {
	return e.Class == ClassRateLimit || e.Class == ClassNetwork
}

func newError(class ErrorClass, status int, err error) *Error {
	return &Error{Class: class, StatusCode: status, Err: err}
}

// ClassifyHTTPStatus maps an HTTP status code (and a best-effort look at the
// error text) onto an ErrorClass.
func ClassifyHTTPStatus(status int, err error) *Error {
	switch {
	case status == 429 || status == 418:
		return newError(ClassRateLimit, status, err)
	case status == 401 || status == 403:
		return newError(ClassAuth, status, err)
	case status >= 500 || status == 0:
		return newError(ClassNetwork, status, err)
	default:
		return newError(ClassAPI, status, err)
	}
}

// AsExchangeError unwraps err to an *Error if one is present in the chain.
func AsExchangeError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
