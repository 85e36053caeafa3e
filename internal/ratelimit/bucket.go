package ratelimit

import (
	"context"
	"sync"
	"time"

	"discord-gateway-core/internal/backoff"
)

// Bucket is the throttling state for one bucket key. All fields are guarded by
// mu; the read-check-decrement of remaining happens inside a single critical
// section so concurrent callers can never both spend the last call.
type Bucket struct {
	Key string

	mu         sync.Mutex
	known      bool
	limit      int
	remaining  int
	resetAt    time.Time
	resetAfter time.Duration
	lastUsed   time.Time
}

// Snapshot is a consistent copy of a bucket's fields.
type Snapshot struct {
	Key        string
	Known      bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	ResetAfter time.Duration
}

// Snapshot returns the bucket's current state.
func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:        b.Key,
		Known:      b.known,
		Limit:      b.limit,
		Remaining:  b.remaining,
		ResetAt:    b.resetAt,
		ResetAfter: b.resetAfter,
	}
}

// take reserves one call. It returns zero when the caller may proceed, or the
// time to wait before trying again.
func (b *Bucket) take(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = now
	if !b.known {
		return 0
	}
	if b.remaining <= 0 {
		if now.Before(b.resetAt) {
			return b.resetAt.Sub(now)
		}
		// Window passed without a fresh response; assume a full refill.
		b.remaining = b.limit
		if b.resetAfter > 0 {
			b.resetAt = now.Add(b.resetAfter)
		}
		if b.remaining <= 0 {
			b.remaining = 1
		}
	}
	b.remaining--
	return 0
}

// wait blocks until one call is reserved or ctx is done.
func (b *Bucket) wait(ctx context.Context, now func() time.Time) (time.Duration, error) {
	var waited time.Duration
	for {
		d := b.take(now())
		if d == 0 {
			return waited, nil
		}
		if err := backoff.Sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}
}

// update overwrites the optimistic state with the server's authoritative view.
func (b *Bucket) update(info Info) {
	if !info.Capped() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.known = true
	if info.HasLimit {
		b.limit = info.Limit
	} else if b.limit < info.Remaining {
		b.limit = info.Remaining
	}
	b.remaining = info.Remaining
	b.resetAt = info.ResetAt
	b.resetAfter = info.ResetAfter
}

// exhaust empties the bucket until until; used after a 429.
func (b *Bucket) exhaust(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.known = true
	if b.limit == 0 {
		b.limit = 1
	}
	b.remaining = 0
	if until.After(b.resetAt) {
		b.resetAt = until
	}
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.resetAt) {
		return 0
	}
	return now.Sub(b.lastUsed)
}
