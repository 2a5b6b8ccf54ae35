// Package resilience provides retry with exponential backoff for transport
// calls that are safe to repeat.
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jllopis/carmcp/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// Jitter in [0,1]; 0.1 means ±10% of the delay.
	Jitter float64

	// IsRecoverable decides whether err is retried. Nil uses the error's
	// recoverable flag.
	IsRecoverable func(error) bool

	// OnRetry is called before each retry with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns three attempts starting at 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// WithMaxAttempts returns a copy with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a copy with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithIsRecoverable returns a copy with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// WithOnRetry returns a copy with OnRetry set.
func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do runs fn until it succeeds, returns an unrecoverable error, or the
// attempts run out. A done ctx stops the loop with ctx.Err().
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is Do for functions that return a value.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = IsRecoverable
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if !recoverable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(rc.newBackOff()),
		backoff.WithMaxTries(uint(rc.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if rc.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			rc.OnRetry(attempt, err)
		}))
	}

	out, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return out, nil
	}
	// The tries limit is checked before permanent errors are unwrapped.
	var permanent *backoff.PermanentError
	if stderrors.As(err, &permanent) {
		err = permanent.Err
	}
	var zero T
	return zero, err
}

// newBackOff maps the config onto an exponential policy. A zero MaxDelay
// falls back to the library's default cap.
func (rc RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialDelay
	b.RandomizationFactor = rc.Jitter
	b.Multiplier = rc.Multiplier
	if b.Multiplier == 0 {
		b.Multiplier = 2.0
	}
	if rc.MaxDelay > 0 {
		b.MaxInterval = rc.MaxDelay
	}
	b.Reset()
	return b
}

// IsRecoverable reports whether err is worth retrying. Context errors never
// are; typed errors follow their recoverable flag; anything else is.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return typed.Recoverable
	}
	return true
}
