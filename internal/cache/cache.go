package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/redis"
)

// Cache is a two-level cache of V values: L1 in memory (ristretto) and an
// optional L2 in Redis. Misses on both levels are filled by a fetch function
// that runs at most once per key at a time.
type Cache[V any] struct {
	name         string
	l1           *ristretto.Cache
	l2           *redis.Client
	ttl          time.Duration
	fetchTimeout time.Duration
	singleflight singleflight.Group
	metrics      *metrics.Metrics
	log          *zap.Logger

	l1Hits   atomic.Uint64
	l1Misses atomic.Uint64
	l2Hits   atomic.Uint64
	l2Misses atomic.Uint64
	fetches  atomic.Uint64
}

// Config for cache initialization
type Config struct {
	Name          string        // metric label and Redis key namespace
	L1MaxCost     int64         // max number of entries in L1 (each costs 1)
	L1NumCounters int64         // keys to track frequency for (~10x MaxCost)
	DefaultTTL    time.Duration // TTL for both levels
	FetchTimeout  time.Duration // bound on one shared fetch, 30s if zero
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// New creates a cache. l2 may be nil.
func New[V any](l2 *redis.Client, cfg Config) (*Cache[V], error) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.L1MaxCost == 0 {
		cfg.L1MaxCost = 10_000
	}
	if cfg.L1NumCounters == 0 {
		cfg.L1NumCounters = cfg.L1MaxCost * 10
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L1NumCounters,
		MaxCost:     cfg.L1MaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 cache: %w", err)
	}

	return &Cache[V]{
		name:         cfg.Name,
		l1:           l1,
		l2:           l2,
		ttl:          cfg.DefaultTTL,
		fetchTimeout: cfg.FetchTimeout,
		metrics:      cfg.Metrics,
		log:          logging.OrNop(cfg.Logger).Named("cache").With(zap.String("cache", cfg.Name)),
	}, nil
}

func (c *Cache[V]) l2Key(key string) string { return "cache:" + c.name + ":" + key }

// Peek looks in L1 then L2 without fetching.
func (c *Cache[V]) Peek(ctx context.Context, key string) (V, bool) {
	if val, found := c.l1.Get(key); found {
		c.l1Hits.Add(1)
		c.metrics.CacheLookup(c.name, "l1_hit")
		return val.(V), true
	}
	c.l1Misses.Add(1)

	if c.l2 != nil {
		var v V
		err := c.l2.GetJSON(ctx, c.l2Key(key), &v)
		if err == nil {
			c.l2Hits.Add(1)
			c.metrics.CacheLookup(c.name, "l2_hit")
			c.setL1(key, v)
			return v, true
		}
		if !errors.Is(err, redis.ErrMiss) {
			c.log.Warn("l2 lookup failed", zap.String("key", key), zap.Error(err))
		}
		c.l2Misses.Add(1)
	}

	var zero V
	return zero, false
}

// Get returns the cached value for key, calling fetch on a miss. Concurrent
// misses on the same key share one fetch.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Peek(ctx, key); ok {
		return v, nil
	}
	c.metrics.CacheLookup(c.name, "miss")

	// The shared fetch must not die with whichever caller started it.
	ch := c.singleflight.DoChan(key, func() (interface{}, error) {
		c.fetches.Add(1)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.Set(fctx, key, v)
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Set stores a value in both levels.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) {
	c.setL1(key, value)
	if c.l2 != nil {
		if err := c.l2.SetJSON(ctx, c.l2Key(key), value, c.ttl); err != nil {
			c.log.Warn("l2 store failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Cache[V]) setL1(key string, value V) {
	c.l1.SetWithTTL(key, value, 1, c.ttl)
	// Sets are buffered; make this one visible to the next Get.
	c.l1.Wait()
}

// Delete removes a key from all cache layers
func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, c.l2Key(key)); err != nil {
			c.log.Warn("l2 delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Stats returns cache performance counters.
func (c *Cache[V]) Stats() Stats {
	l1Metrics := c.l1.Metrics

	l1Total := c.l1Hits.Load() + c.l1Misses.Load()
	var l1HitRate float64
	if l1Total > 0 {
		l1HitRate = float64(c.l1Hits.Load()) / float64(l1Total)
	}

	return Stats{
		L1Hits:        c.l1Hits.Load(),
		L1Misses:      c.l1Misses.Load(),
		L1HitRate:     l1HitRate,
		L2Hits:        c.l2Hits.Load(),
		L2Misses:      c.l2Misses.Load(),
		Fetches:       c.fetches.Load(),
		L1KeysAdded:   l1Metrics.KeysAdded(),
		L1KeysEvicted: l1Metrics.KeysEvicted(),
	}
}

// Stats holds cache performance data
type Stats struct {
	L1Hits        uint64
	L1Misses      uint64
	L1HitRate     float64
	L2Hits        uint64
	L2Misses      uint64
	Fetches       uint64
	L1KeysAdded   uint64
	L1KeysEvicted uint64
}

// Close gracefully shuts down the cache
func (c *Cache[V]) Close() {
	c.l1.Close()
}
