// Package retry runs operations that may fail transiently, waiting between
// attempts according to a Retryer.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/roach88/rowsync/internal/model"
)

// Retryer decides how long to wait before the next attempt.
type Retryer interface {
	// NextDelay returns the delay before retry attempt (0-based) and whether
	// to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// Backoff is exponential backoff with optional jitter.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries bounds the number of retries. Zero never retries.
	MaxRetries int

	// JitterFactor is the maximum jitter as a fraction of the delay.
	JitterFactor float64
}

// NewBackoff returns a backoff with the engine defaults.
func NewBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
		JitterFactor: 0.2,
	}
}

// NextDelay implements Retryer.
func (b *Backoff) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if attempt >= b.MaxRetries {
		return 0, false
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// Fixed waits the same delay between at most MaxRetries retries.
type Fixed struct {
	Delay      time.Duration
	MaxRetries int
}

// NextDelay implements Retryer.
func (f Fixed) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if attempt >= f.MaxRetries {
		return 0, false
	}
	return f.Delay, true
}

// Never disables retries.
var Never Retryer = Fixed{}

// Do runs fn until it succeeds, fails with an error that is not transient,
// or r gives up. The last error is returned.
func Do(ctx context.Context, r Retryer, fn func() error) error {
	return DoIf(ctx, r, model.IsTransient, fn)
}

// DoIf is Do with a custom retryable predicate.
func DoIf(ctx context.Context, r Retryer, retryable func(error) bool, fn func() error) error {
	if r == nil {
		r = Never
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
