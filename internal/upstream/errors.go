package upstream

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes upstream failures. Only transient and
// rate-limited failures may be retried.
type ErrorCode string

const (
	// CodeTransient indicates a retryable failure: network error, 5xx,
	// upstream timeout.
	CodeTransient ErrorCode = "TRANSIENT"

	// CodeRateLimited indicates the upstream throttled the call. Retryable
	// after the advertised delay.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodePermanent indicates a non-retryable failure: validation, auth,
	// not-found.
	CodePermanent ErrorCode = "PERMANENT"
)

// Error represents a failure of an upstream API call with enough
// structure for the caller to decide retry policy.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the upstream operation that failed (e.g. "fetch.opportunity").
	Op string

	// Status is the HTTP status returned by the upstream, if any.
	Status int

	// Message is a human-readable description.
	Message string

	// RetryAfter is the delay the upstream asked for on throttling, if any.
	RetryAfter time.Duration

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface. The underlying cause is part of
// the message: callers persist err.Error() to durable surfaces (run
// last_error, dead letters, audit metadata) and the cause must survive.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for transient or rate-limited upstream errors.
// Uses errors.As to handle wrapped errors.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == CodeTransient || ue.Code == CodeRateLimited
	}
	return false
}

// IsPermanent returns true if the error is a non-retryable upstream error.
func IsPermanent(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == CodePermanent
	}
	return false
}

// IsRateLimited returns true if the upstream throttled the call.
func IsRateLimited(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == CodeRateLimited
	}
	return false
}

// RetryAfterOf returns the upstream-advertised retry delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status code to an error category.
// Throttling and server-side failures are retryable; everything else
// in the 4xx range is permanent.
func classifyStatus(status int) ErrorCode {
	switch {
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeTransient
	default:
		return CodePermanent
	}
}
