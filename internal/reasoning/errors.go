package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError is returned when the service throttles the caller (HTTP 429).
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// TransportError covers network failures and timeouts. Retrying may succeed.
type TransportError struct {
	Message string
	Cause   error
}

func (e *TransportError) Error() string { return "transport error: " + e.Message }

func (e *TransportError) Unwrap() error { return e.Cause }

// ProtocolError covers malformed responses, rejected requests and bad
// credentials. Retrying will not help.
type ProtocolError struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("protocol error (status %d): %s", e.StatusCode, e.Message)
	}
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Class is the engine-facing category of an error.
type Class int

const (
	ClassNone Class = iota
	ClassRateLimited
	ClassTransient
	ClassPermanent
	ClassCancelled
)

// Classify maps an error to its Class. Context cancellation is reported as
// ClassCancelled, a deadline as ClassTransient. Unknown errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var rl *RateLimitError
	var pe *ProtocolError
	var te *TransportError
	var netErr net.Error

	switch {
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.As(err, &pe):
		return ClassPermanent
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// RetryAfterOf returns the suggested delay of a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
