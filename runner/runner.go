// Package runner wraps a single activity invocation with a bounded
// timeout and bounded retry, generalized from runner/handler.go and
// runner/retry.go. This is distinct from the engine's replay-level
// re-invocation across polling passes: Invoke governs one host-side
// attempt to run an activity's side effect, not the durable decision of
// whether the orchestrator has already recorded an outcome for it.
package runner

import (
	"context"
	"time"
)

// ActivityFunc matches engine.ActivityFunc's underlying shape structurally,
// so callers can pass an engine.ActivityFunc value directly without this
// package importing engine (which would cycle back through the scheduler).
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// RetryStrategy encapsulates the delay between retries, grounded on
// runner/retry.go's RetryStrategy/ExponentialBackoffStrategy.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt. attempt
	// starts at 0 and increments after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay by Factor each attempt, capped
// at Max.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := e.Base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * e.Factor)
		if e.Max > 0 && delay > e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// options holds Invoke's configuration, built from functional Option values.
type options struct {
	timeout     time.Duration
	maxRetries  int
	retry       RetryStrategy
	errorHandler func(attempt int, err error)
}

type Option func(*options)

// WithTimeout bounds each individual attempt. Zero means no per-attempt
// timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxRetries sets how many additional attempts follow a failure.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryStrategy overrides the default NoDelayStrategy.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *options) {
		if s != nil {
			o.retry = s
		}
	}
}

// WithErrorHandler receives every failed attempt, including ones that will
// be retried.
func WithErrorHandler(h func(attempt int, err error)) Option {
	return func(o *options) { o.errorHandler = h }
}

// Invoke runs fn with input, retrying on error up to maxRetries times.
func Invoke(ctx context.Context, fn ActivityFunc, input []byte, opts ...Option) ([]byte, error) {
	cfg := options{retry: NoDelayStrategy{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		}

		result, err := fn(callCtx, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		if cfg.errorHandler != nil {
			cfg.errorHandler(attempt, err)
		}
		if attempt == cfg.maxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if delay := cfg.retry.SleepDuration(attempt, err); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}
