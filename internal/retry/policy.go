// Package retry provides an explicit retry policy value that call sites apply
// around network operations.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 4 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Predicate reports whether an error is worth another attempt.
type Predicate func(err error) bool

// Policy bundles the attempt budget, the backoff schedule and the retryable
// error predicate. The zero value is usable and falls back to defaults.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Retryable   Predicate

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait; optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Exponential doubles base per attempt and caps the result at max.
func Exponential(base, max time.Duration) BackoffFunc {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	return func(attempt int) time.Duration {
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// New returns a policy with exponential backoff that retries transient errors.
func New(maxAttempts int, base, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     Exponential(base, max),
		Retryable:   IsTransient,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential(defaultBaseDelay, defaultMaxDelay)
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}
		delay := backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

// SleepContext blocks for d or until ctx is cancelled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTransient reports whether err looks retry-safe: deadlines, network
// timeouts, refused or reset connections, truncated responses, or any error
// in the chain that declares itself transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked interface{ Transient() bool }
	if errors.As(err, &marked) {
		return marked.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
