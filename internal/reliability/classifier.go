package reliability

import (
	"context"
	"errors"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes from call-control
// and lookup endpoints.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableProviderCode classifies provider error codes that a fresh call
// attempt could succeed past. Nothing is retried within a call.
func IsRetryableProviderCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "rate_limit_exceeded", "resource_exhausted", "queue_overflow",
		"server_error", "overloaded", "timeout", "service_unavailable":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt under Do.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// Policy bounds Do.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run out
// or ctx ends. The last error is returned unwrapped of its retry mark.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	var r retryableError
	if errors.As(err, &r) {
		return r.err
	}
	return err
}
