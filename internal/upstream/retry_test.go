package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly and records every requested delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// noJitter makes backoff deterministic for assertions.
func noJitter(d time.Duration) time.Duration { return d }

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		Jitter:      noJitter,
	}
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	clock := newFakeClock()
	retries := 0
	r := &Retrier{
		Policy:  testPolicy(5),
		Clock:   clock,
		OnRetry: func(attempt int, err error) { retries++ },
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return &Error{Code: CodeTransient, Op: "fetch.opportunity", Status: 503, Message: "Service Unavailable"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestRetrierExponentialBackoff(t *testing.T) {
	clock := newFakeClock()
	r := &Retrier{Policy: testPolicy(4), Clock: clock}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		return &Error{Code: CodeTransient, Op: "fetch.offer", Message: "boom"}
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, clock.recorded())
}

func TestRetrierBackoffCappedAtMaxDelay(t *testing.T) {
	clock := newFakeClock()
	r := &Retrier{
		Policy: RetryPolicy{
			MaxAttempts: 6,
			BaseDelay:   400 * time.Millisecond,
			MaxDelay:    1 * time.Second,
			Jitter:      noJitter,
		},
		Clock: clock,
	}

	_ = r.Do(context.Background(), func(ctx context.Context) error {
		return &Error{Code: CodeTransient, Op: "fetch", Message: "boom"}
	})

	for _, d := range clock.recorded() {
		assert.LessOrEqual(t, d, 1*time.Second)
	}
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	clock := newFakeClock()
	r := &Retrier{Policy: testPolicy(5), Clock: clock}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &Error{Code: CodePermanent, Op: "fetch.opportunity", Status: 404, Message: "Not Found"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.True(t, IsPermanent(err))
	assert.Empty(t, clock.recorded())
}

func TestRetrierExhaustsAttemptsAndSurfacesLastError(t *testing.T) {
	clock := newFakeClock()
	r := &Retrier{Policy: testPolicy(3), Clock: clock}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &Error{Code: CodeTransient, Op: "fetch", Status: 503, Message: "Service Unavailable"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 503, ue.Status)
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	clock := newFakeClock()
	r := &Retrier{Policy: testPolicy(2), Clock: clock}

	_ = r.Do(context.Background(), func(ctx context.Context) error {
		return &Error{Code: CodeRateLimited, Op: "fetch", Status: 429, Message: "Too Many Requests", RetryAfter: 5 * time.Second}
	})

	delays := clock.recorded()
	require.Len(t, delays, 1)
	assert.Equal(t, 5*time.Second, delays[0], "upstream Retry-After overrides computed backoff")
}

func TestRetrierRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrier(testPolicy(5))
	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestErrorMessageCarriesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")

	err := &Error{Code: CodeTransient, Op: "fetch.opportunity", Message: "request failed", Err: cause}
	assert.Contains(t, err.Error(), "connection reset by peer")

	withStatus := &Error{Code: CodeRateLimited, Op: "fetch", Status: 429, Message: "Too Many Requests", Err: cause}
	assert.Contains(t, withStatus.Error(), "status=429")
	assert.Contains(t, withStatus.Error(), "connection reset by peer")

	bare := &Error{Code: CodePermanent, Op: "invoke", Status: 404, Message: "Not Found"}
	assert.Equal(t, "PERMANENT: invoke: Not Found (status=404)", bare.Error())
}

func TestErrorPredicates(t *testing.T) {
	transient := &Error{Code: CodeTransient, Op: "fetch", Message: "boom"}
	permanent := &Error{Code: CodePermanent, Op: "invoke", Message: "invalid"}
	limited := &Error{Code: CodeRateLimited, Op: "fetch", Message: "slow down"}

	assert.True(t, IsRetryable(transient))
	assert.True(t, IsRetryable(limited))
	assert.False(t, IsRetryable(permanent))
	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsRateLimited(limited))

	wrapped := errors.Join(errors.New("outer"), transient)
	assert.True(t, IsRetryable(wrapped), "predicates must see through wrapping")

	assert.False(t, IsRetryable(errors.New("plain")), "untyped errors are not retryable")
}
