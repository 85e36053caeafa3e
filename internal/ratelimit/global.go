package ratelimit

import (
	"context"
	"sync"
	"time"

	"discord-gateway-core/internal/backoff"
)

// Global is the single limit shared by every bucket: a per-second counter plus
// a server-imposed block after a global 429. Callers are deferred, never dropped.
type Global struct {
	mu           sync.Mutex
	perSecond    int
	remaining    int
	windowEnd    time.Time
	blockedUntil time.Time
}

// NewGlobal creates a global limit allowing perSecond calls; zero disables
// the proactive counter and only honours server blocks.
func NewGlobal(perSecond int) *Global {
	return &Global{perSecond: perSecond}
}

func (g *Global) take(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.blockedUntil) {
		return g.blockedUntil.Sub(now)
	}
	if g.perSecond <= 0 {
		return 0
	}
	if !now.Before(g.windowEnd) {
		g.remaining = g.perSecond
		g.windowEnd = now.Add(time.Second)
	}
	if g.remaining <= 0 {
		return g.windowEnd.Sub(now)
	}
	g.remaining--
	return 0
}

// Wait blocks until the caller may send, returning how long it was held.
func (g *Global) Wait(ctx context.Context, now func() time.Time) (time.Duration, error) {
	var waited time.Duration
	for {
		d := g.take(now())
		if d == 0 {
			return waited, ctx.Err()
		}
		if err := backoff.Sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}
}

// Block defers every caller until the given time.
func (g *Global) Block(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
}

// BlockedUntil returns the current server-imposed block, if any.
func (g *Global) BlockedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedUntil
}
