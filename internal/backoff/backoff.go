// Package backoff computes capped, jittered exponential delays and provides a
// context-aware sleep used by every suspension point in the engine.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config describes an exponential backoff curve.
type Config struct {
	Initial    time.Duration // first delay
	Max        time.Duration // cap on any single delay
	Multiplier float64       // growth factor, typically 2
	Jitter     float64       // fraction of the delay randomised away, 0..1

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Default is used for gateway reconnects.
func Default() Config {
	return Config{
		Initial:    time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// REST is used for idempotent request retries after network failures.
func REST() Config {
	return Config{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the delay before the given zero-based attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.Initial) * math.Pow(mult, float64(attempt))
	if c.Max > 0 && d > float64(c.Max) {
		d = float64(c.Max)
	}
	if c.Jitter > 0 {
		j := c.Jitter
		if j > 1 {
			j = 1
		}
		d -= d * j * c.random()
	}
	return time.Duration(d)
}

func (c Config) random() float64 {
	if c.Rand != nil {
		return c.Rand()
	}
	return rand.Float64()
}

// Fraction returns a random duration in [0, d), used for first-heartbeat and
// invalid-session jitter.
func Fraction(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepUntil waits until the deadline or until ctx is done.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}
