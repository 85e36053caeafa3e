// Package ratelimit tracks per-bucket and global REST throttling state.
//
// Buckets live in a striped map so that unrelated bucket keys never contend on
// the same lock; each bucket then has its own mutex for the
// read-check-decrement of its remaining budget. Route-to-bucket aliasing is
// learned from the server's bucket header and never hardcoded.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"discord-gateway-core/internal/backoff"
)

const numShards = 64

type storeShard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// Store owns every Bucket plus the Global limit. Only the request pipeline
// mutates it.
type Store struct {
	shards [numShards]storeShard

	aliasMu sync.RWMutex
	aliases map[string]string // route key -> server bucket hash

	global *Global
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithGlobalPerSecond sets the proactive global request rate.
func WithGlobalPerSecond(n int) Option {
	return func(s *Store) { s.global = NewGlobal(n) }
}

// NewStore creates an empty bucket store. The default global rate is 50/s.
func NewStore(opts ...Option) *Store {
	s := &Store{
		aliases: make(map[string]string),
		global:  NewGlobal(50),
		now:     time.Now,
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*Bucket)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Global returns the shared global limit.
func (s *Store) Global() *Global { return s.global }

// Key resolves the bucket key for a route key and its major parameter,
// applying any alias the server has announced for the route.
func (s *Store) Key(routeKey, major string) string {
	s.aliasMu.RLock()
	hash, ok := s.aliases[routeKey]
	s.aliasMu.RUnlock()
	base := routeKey
	if ok {
		base = hash
	}
	if major == "" {
		return base
	}
	return base + ":" + major
}

// Alias records that routeKey maps to the server bucket hash. Hashes may
// change over time; the latest one wins.
func (s *Store) Alias(routeKey, hash string) {
	if hash == "" {
		return
	}
	s.aliasMu.Lock()
	s.aliases[routeKey] = hash
	s.aliasMu.Unlock()
}

func (s *Store) shard(key string) *storeShard {
	var h uint64
	for i := 0; i < len(key); i++ {
		h = h*31 + uint64(key[i])
	}
	return &s.shards[h%numShards]
}

// Bucket returns the bucket for key, creating it lazily.
func (s *Store) Bucket(key string) *Bucket {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok {
		b = &Bucket{Key: key}
		sh.buckets[key] = b
	}
	return b
}

// Lookup returns the bucket for key if it exists.
func (s *Store) Lookup(key string) (*Bucket, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	return b, ok
}

// Acquire suspends until both the global limit and the bucket allow one more
// call, reserving it. The returned duration is the total time spent waiting.
func (s *Store) Acquire(ctx context.Context, key string) (time.Duration, error) {
	b := s.Bucket(key)
	total, err := s.global.Wait(ctx, s.now)
	if err != nil {
		return total, err
	}
	bw, err := b.wait(ctx, s.now)
	total += bw
	if err != nil {
		return total, err
	}
	if bw > 0 {
		// A global block may have landed while we waited on the bucket.
		until := s.global.BlockedUntil()
		if d := until.Sub(s.now()); d > 0 {
			if err := backoff.Sleep(ctx, d); err != nil {
				return total, err
			}
			total += d
		}
	}
	return total, nil
}

// Update refreshes the bucket from response headers.
func (s *Store) Update(key string, info Info) {
	s.Bucket(key).update(info)
}

// Limited records a 429. Global responses block every bucket; others exhaust
// only the bucket for key.
func (s *Store) Limited(key string, retryAfter time.Duration, global bool) {
	until := s.now().Add(retryAfter)
	if global {
		s.global.Block(until)
		return
	}
	s.Bucket(key).exhaust(until)
}

// Sweep drops buckets unused for longer than idle whose window has passed.
func (s *Store) Sweep(idle time.Duration) int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if b.idleSince(now) > idle {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}
