package exchange

import (
	"context"
	"math/rand/v2"
	"time"

	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Observer receives the latency and result of every exchange call attempt.
type Observer func(op string, took time.Duration, err error)

// RetryPolicy bounds how long and how often an exchange call is attempted.
// Waits between attempts double from Delay up to MaxDelay; Jitter shaves a
// random fraction off each wait.
type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Delay    time.Duration
	MaxDelay time.Duration
	Jitter   float64
	Observe  Observer
}

// DefaultRetryPolicy allows five attempts of ten seconds each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Timeout:  10 * time.Second,
		Delay:    500 * time.Millisecond,
		MaxDelay: 8 * time.Second,
		Jitter:   0.2,
	}
}

// Wait returns the pause after the given failed attempt (1-based).
func (p RetryPolicy) Wait(attempt int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	ceiling := p.MaxDelay
	if ceiling < delay {
		ceiling = delay
	}

	wait := delay
	for i := 1; i < attempt && wait < ceiling; i++ {
		wait *= 2
	}
	wait = min(wait, ceiling)

	if p.Jitter <= 0 {
		return wait
	}
	jitter := min(p.Jitter, 1)
	return wait - time.Duration(rand.Float64()*jitter*float64(wait))
}

// Retryable reports whether another attempt may succeed.
// A crossing rejection is an answer, not a failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exception.ErrCrossingRejected) || errors.Is(err, exception.ErrInvalidArgument) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Do runs fn with a per-attempt timeout until it succeeds, fails permanently or
// attempts run out. Exhaustion wraps the last error with exception.ErrRetriesExhausted.
func Do[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := callOnce(ctx, p, op, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := p.Wait(attempt)
		logs.Errorf("exchange %s attempt %d/%d failed, retry in %s, err: %+v", op, attempt, attempts, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, &exhaustedError{op: op, attempts: attempts, err: lastErr}
}

func callOnce[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := fn(callCtx)
	if p.Observe != nil {
		p.Observe(op, time.Since(start), err)
	}
	return result, err
}

type exhaustedError struct {
	op       string
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return "exchange " + e.op + ": " + exception.ErrRetriesExhausted.Error() + ", err: " + e.err.Error()
}

func (e *exhaustedError) Unwrap() []error {
	return []error{exception.ErrRetriesExhausted, e.err}
}
