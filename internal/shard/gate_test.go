package shard

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grantLog struct {
	mu     sync.Mutex
	bySlot map[int][]time.Time
	slots  int
}

func newGrantLog(slots int) *grantLog {
	return &grantLog{bySlot: make(map[int][]time.Time), slots: slots}
}

func (l *grantLog) record(shardID int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySlot[shardID%l.slots] = append(l.bySlot[shardID%l.slots], at)
}

func (l *grantLog) all() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []time.Time
	for _, ts := range l.bySlot {
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// assertSpaced checks every pair of consecutive grants within a slot.
func (l *grantLog) assertSpaced(t *testing.T, spacing time.Duration) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for slot, ts := range l.bySlot {
		sorted := append([]time.Time(nil), ts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
		for i := 1; i < len(sorted); i++ {
			gap := sorted[i].Sub(sorted[i-1])
			assert.GreaterOrEqual(t, gap, spacing, "slot %d grants %d and %d only %v apart", slot, i-1, i, gap)
		}
	}
}

func TestGateSpacesGrantsWithinSlot(t *testing.T) {
	log := newGrantLog(1)
	g := NewIdentifyGate(1, 40*time.Millisecond, WithOnGrant(log.record))

	start := time.Now()
	var wg sync.WaitGroup
	for id := 0; id < 5; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), id)
			require.NoError(t, err)
			release()
		}(id)
	}
	wg.Wait()

	grants := log.all()
	require.Len(t, grants, 5)
	assert.GreaterOrEqual(t, grants[4].Sub(start), 160*time.Millisecond)
	log.assertSpaced(t, 40*time.Millisecond)
	assert.Equal(t, int64(5), g.Grants())
}

// Handshakes that hold their permit longer than the spacing must not let
// the queued shards of a slot through back to back once the permit frees.
func TestGateSpacingHoldsWhenHandshakesAreSlow(t *testing.T) {
	cases := []struct {
		name           string
		maxConcurrency int
		shards         int
		spacing        time.Duration
		handshake      time.Duration
	}{
		{name: "single slot", maxConcurrency: 1, shards: 5, spacing: 40 * time.Millisecond, handshake: 90 * time.Millisecond},
		{name: "shared slots", maxConcurrency: 2, shards: 5, spacing: 60 * time.Millisecond, handshake: 100 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := newGrantLog(tc.maxConcurrency)
			g := NewIdentifyGate(tc.maxConcurrency, tc.spacing, WithOnGrant(log.record))

			var inFlight, peak atomic.Int32
			var wg sync.WaitGroup
			for id := 0; id < tc.shards; id++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					release, err := g.Acquire(context.Background(), id)
					require.NoError(t, err)
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(tc.handshake)
					inFlight.Add(-1)
					release()
				}(id)
			}
			wg.Wait()

			assert.Len(t, log.all(), tc.shards)
			assert.LessOrEqual(t, peak.Load(), int32(tc.maxConcurrency))
			log.assertSpaced(t, tc.spacing)
		})
	}
}

func TestGateCancelledWhileSpacingReleasesPermit(t *testing.T) {
	g := NewIdentifyGate(1, time.Hour)

	first, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)
	first()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The permit came back, so only the slot spacing stands in the way.
	assert.True(t, g.sem.TryAcquire(1))
	g.sem.Release(1)
}

func TestGateSlotsAdmitInParallel(t *testing.T) {
	g := NewIdentifyGate(2, 50*time.Millisecond)
	start := time.Now()

	for id := 0; id < 2; id++ {
		release, err := g.Acquire(context.Background(), id)
		require.NoError(t, err)
		release()
	}
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	// Shard 2 shares slot 0 with shard 0.
	release, err := g.Acquire(context.Background(), 2)
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGateBoundsConcurrentHandshakes(t *testing.T) {
	g := NewIdentifyGate(2, 0)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for id := 0; id < 8; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), id)
			require.NoError(t, err)
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			release()
		}(id)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGateAcquireHonoursCancellation(t *testing.T) {
	g := NewIdentifyGate(1, 0)

	hold, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	hold()
	hold() // release is idempotent

	release, err := g.Acquire(context.Background(), 2)
	require.NoError(t, err)
	release()
}

func TestGateBlockUntil(t *testing.T) {
	g := NewIdentifyGate(2, 0)
	g.BlockUntil(time.Now().Add(50 * time.Millisecond))

	start := time.Now()
	release, err := g.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}
