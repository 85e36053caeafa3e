package shard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"discord-gateway-core/internal/backoff"
)

// DefaultIdentifySpacing is the minimum gap between two identifies in the
// same concurrency slot.
const DefaultIdentifySpacing = 5 * time.Second

// GateOption configures an IdentifyGate.
type GateOption func(*IdentifyGate)

// WithOnGrant registers a hook called each time a shard is admitted.
func WithOnGrant(fn func(shardID int, at time.Time)) GateOption {
	return func(g *IdentifyGate) { g.onGrant = fn }
}

// IdentifyGate admits identify handshakes. At most maxConcurrency shards
// handshake at once, and shards sharing a slot (id % maxConcurrency) are
// granted at least spacing apart.
type IdentifyGate struct {
	sem            *semaphore.Weighted
	maxConcurrency int
	spacing        time.Duration
	onGrant        func(int, time.Time)

	mu   sync.Mutex
	next []time.Time // earliest next grant per slot

	grants atomic.Int64
}

func NewIdentifyGate(maxConcurrency int, spacing time.Duration, opts ...GateOption) *IdentifyGate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if spacing < 0 {
		spacing = 0
	}
	g := &IdentifyGate{
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		maxConcurrency: maxConcurrency,
		spacing:        spacing,
		next:           make([]time.Time, maxConcurrency),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxConcurrency returns the number of slots.
func (g *IdentifyGate) MaxConcurrency() int { return g.maxConcurrency }

// Grants returns how many identifies have been admitted.
func (g *IdentifyGate) Grants() int64 { return g.grants.Load() }

// BlockUntil holds every slot closed until t, used when the daily session
// start budget is spent.
func (g *IdentifyGate) BlockUntil(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.next {
		if g.next[i].Before(t) {
			g.next[i] = t
		}
	}
}

// Acquire waits for shardID's turn. The returned release must be called
// once the identify payload has been written.
//
// The permit is taken first and the slot's next grant is set from the
// actual grant time, so consecutive grants of a slot are always at least
// spacing apart however long a handshake holds its permit.
func (g *IdentifyGate) Acquire(ctx context.Context, shardID int) (func(), error) {
	slot := shardID % g.maxConcurrency
	if slot < 0 {
		slot = -slot
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	release := func() { once.Do(func() { g.sem.Release(1) }) }

	for {
		g.mu.Lock()
		now := time.Now()
		at := g.next[slot]
		if !at.After(now) {
			g.next[slot] = now.Add(g.spacing)
			g.mu.Unlock()

			g.grants.Add(1)
			if g.onGrant != nil {
				g.onGrant(shardID, now)
			}
			return release, nil
		}
		g.mu.Unlock()

		// Another permit holder of the slot may be granted first; re-check.
		if err := backoff.SleepUntil(ctx, at); err != nil {
			release()
			return nil, err
		}
	}
}
