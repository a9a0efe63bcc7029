package upstream

import (
	"context"
	"math/rand"
	"time"
)

// Clock abstracts time for the retry loop so backoff behavior can be
// tested with a fake clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock {
	return realClock{}
}

// RetryPolicy controls the retry loop for transient upstream failures:
// attempt bound, exponential backoff and jitter.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; it doubles on
	// every subsequent retry up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Jitter perturbs the computed delay. Nil means full jitter in
	// [delay/2, delay).
	Jitter func(time.Duration) time.Duration
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter != nil {
		return p.Jitter(d)
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Retrier runs operations under a RetryPolicy. Only retryable upstream
// errors trigger another attempt; permanent errors and context
// cancellation surface immediately.
type Retrier struct {
	Policy RetryPolicy
	Clock  Clock

	// OnRetry, if set, is invoked before each retry with the attempt
	// number that failed and its error.
	OnRetry func(attempt int, err error)
}

// NewRetrier creates a Retrier with the given policy and the system clock.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{Policy: policy, Clock: RealClock()}
}

// Do invokes fn until it succeeds, fails permanently, or the attempt
// bound is exhausted. The last error is returned, never swallowed.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	clock := r.Clock
	if clock == nil {
		clock = realClock{}
	}

	var lastErr error
	for attempt := 1; attempt <= r.Policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.Policy.MaxAttempts {
			break
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt, lastErr)
		}

		delay := r.Policy.delay(attempt)
		// An upstream-advertised Retry-After overrides computed backoff
		if ra := RetryAfterOf(lastErr); ra > delay {
			delay = ra
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
	return lastErr
}
