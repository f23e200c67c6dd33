// Package retry runs operations under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Policy.Do returns it without another attempt.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how an operation is retried.
// The delay doubles after every failed attempt, capped at MaxDelay when
// set, with +-25% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable, when set, decides whether an error is worth another attempt.
	// Errors it rejects are returned immediately.
	Retryable func(error) bool
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, the attempts run out, the error is not
// retryable, or ctx ends. It returns the last error from fn, or ctx.Err().
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		t := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// TransientHTTP treats transport failures, 429 and 5xx responses as worth
// retrying. Other status errors and context cancellation are final.
func TransientHTTP(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}
