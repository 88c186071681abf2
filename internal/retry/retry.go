// Package retry is the single retry/backoff implementation used around
// gateway calls, replacing ad-hoc per-call-site loops.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	MaxRetries   int           // attempts = MaxRetries + 1
	InitialDelay time.Duration // delay before the second attempt
	Multiplier   float64       // backoff growth, e.g. 2
	MaxDelay     time.Duration // backoff cap
	JitterFrac   float64       // +/- fraction of the computed delay, e.g. 0.2
}

func (p Policy) Attempts() int { return p.MaxRetries + 1 }

// Backoff returns the delay after the given zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialDelay
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		f := 1 + p.JitterFrac*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Func is one attempt. attempt is zero-based.
type Func func(ctx context.Context, attempt int) error

// Do runs fn up to MaxRetries+1 times, sleeping Backoff(attempt) between
// attempts. Non-retryable errors return immediately without consuming the
// remaining budget; there is no delay after the final attempt. Returns the
// number of attempts made and the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn Func) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return attempt + 1, err
		}
		if attempt == p.MaxRetries {
			break
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, lastErr
		case <-t.C:
		}
	}
	return p.Attempts(), lastErr
}
