package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by providers.
var (
	// ErrFatalAuth is returned when the remote service rejects the credential.
	ErrFatalAuth = errors.New("fatal authorization error")

	// ErrConnectionLost is returned when the session or its transport dropped.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnsupportedProxy is returned by dialers for proxy types they cannot route through.
	ErrUnsupportedProxy = errors.New("unsupported proxy type")
)

// ErrorClass represents a classification of lookup errors.
type ErrorClass string

const (
	// ErrorClassRateLimit represents a flood-wait style cooldown request.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassConnection represents a dropped session or network failure.
	ErrorClassConnection ErrorClass = "connection"

	// ErrorClassFatalAuth represents a revoked or unusable credential.
	ErrorClassFatalAuth ErrorClass = "fatal_auth"

	// ErrorClassCancelled represents context cancellation or deadline expiry.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassItem represents any other failure scoped to a single lookup.
	ErrorClassItem ErrorClass = "item"
)

// RateLimitedError asks the caller to wait before issuing the next call.
type RateLimitedError struct {
	Wait time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// LookupError represents an item-level failure with additional context.
type LookupError struct {
	StatusCode int
	Identifier string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup %s failed (status %d): %s: %v",
			e.Identifier, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("lookup %s failed (status %d): %s",
		e.Identifier, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *LookupError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the failure taxonomy. It returns "" for nil.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return ErrorClassRateLimit
	case errors.Is(err, ErrFatalAuth):
		return ErrorClassFatalAuth
	case errors.Is(err, ErrConnectionLost):
		return ErrorClassConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCancelled
	default:
		return ErrorClassItem
	}
}

// RetryAfter returns the cooldown carried by err, if it is a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
