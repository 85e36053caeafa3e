// Package events is a small typed publish/subscribe bus. Each subscription is
// an explicit buffered channel, so slow consumers either apply backpressure or
// lose events visibly, never silently.
package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy decides what Publish does when a subscriber's buffer is full.
type Policy int

const (
	// Block waits for the subscriber (or the publisher's context).
	Block Policy = iota
	// DropNewest discards the event for that subscriber and counts it.
	DropNewest
)

// Subscription is one consumer's view of a Bus.
type Subscription[T any] struct {
	C       <-chan T
	ch      chan T
	policy  Policy
	filter  func(T) bool
	dropped atomic.Uint64
	bus     *Bus[T]
	once    sync.Once

	// done closes first on unsubscribe so a publisher blocked on this
	// subscriber lets go before the bus lock is needed.
	done     chan struct{}
	stopOnce sync.Once
}

func (s *Subscription[T]) stop()    { s.stopOnce.Do(func() { close(s.done) }) }
func (s *Subscription[T]) closeCh() { s.once.Do(func() { close(s.ch) }) }

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription[T]) Close() { s.bus.Unsubscribe(s) }

// Option configures a Subscription.
type Option[T any] func(*Subscription[T])

// WithPolicy sets the overflow policy.
func WithPolicy[T any](p Policy) Option[T] {
	return func(s *Subscription[T]) { s.policy = p }
}

// WithFilter only delivers events for which keep returns true.
func WithFilter[T any](keep func(T) bool) Option[T] {
	return func(s *Subscription[T]) { s.filter = keep }
}

// Bus fans each published event out to every subscriber.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
	onDrop func()

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a bus. onDrop, if non-nil, is called for every dropped delivery.
func New[T any](onDrop func()) *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{}), onDrop: onDrop, quit: make(chan struct{})}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Bus[T]) Subscribe(buffer int, opts ...Option[T]) *Subscription[T] {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan T, buffer)
	s := &Subscription[T]{C: ch, ch: ch, bus: b, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stop()
		s.closeCh()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice, and
// safe while a publisher is blocked delivering to s.
func (b *Bus[T]) Unsubscribe(s *Subscription[T]) {
	s.stop()
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	// No publisher can reach s any more.
	s.closeCh()
}

// Publish delivers ev to every subscriber. Blocking subscribers hold the
// publisher until they accept, unsubscribe, the bus closes, or ctx is done;
// only the context error is returned.
func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		if s.policy == DropNewest {
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
				if b.onDrop != nil {
					b.onDrop()
				}
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-b.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription; later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.quitOnce.Do(func() { close(b.quit) })
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
		s.closeCh()
	}
}
