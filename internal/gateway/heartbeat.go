package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"discord-gateway-core/internal/backoff"
)

// heartbeater sends op 1 on a fixed interval and detects missing acks. It
// never touches the connection itself; a zombie is reported on a channel and
// the session loop is the only one that reacts to it.
type heartbeater struct {
	interval time.Duration
	send     func() error
	rand     func() float64

	awaiting atomic.Bool
	sentAt   atomic.Int64
	zombie   chan struct{}
	beat     chan struct{}
}

func newHeartbeater(interval time.Duration, send func() error, rnd func() float64) *heartbeater {
	return &heartbeater{
		interval: interval,
		send:     send,
		rand:     rnd,
		zombie:   make(chan struct{}, 1),
		beat:     make(chan struct{}, 1),
	}
}

// firstDelay spreads the first beat over one interval so that shards started
// together do not heartbeat in lockstep.
func (h *heartbeater) firstDelay() time.Duration {
	if h.rand != nil {
		return time.Duration(h.rand() * float64(h.interval))
	}
	return backoff.Fraction(h.interval)
}

// run beats until ctx is done, a send fails, or an ack is missed.
func (h *heartbeater) run(ctx context.Context) error {
	timer := time.NewTimer(h.firstDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-h.beat:
			if err := h.sendBeat(); err != nil {
				return err
			}

		case <-timer.C:
			if h.awaiting.Load() {
				select {
				case h.zombie <- struct{}{}:
				default:
				}
				return nil
			}
			if err := h.sendBeat(); err != nil {
				return err
			}
			timer.Reset(h.interval)
		}
	}
}

func (h *heartbeater) sendBeat() error {
	h.sentAt.Store(time.Now().UnixNano())
	h.awaiting.Store(true)
	return h.send()
}

// Beat asks for an immediate heartbeat, as requested by server op 1.
func (h *heartbeater) Beat() {
	select {
	case h.beat <- struct{}{}:
	default:
	}
}

// Ack clears the awaiting flag and returns the round trip of the last beat.
func (h *heartbeater) Ack() time.Duration {
	if !h.awaiting.Swap(false) {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - h.sentAt.Load())
}

// Zombie fires at most once per heartbeater.
func (h *heartbeater) Zombie() <-chan struct{} { return h.zombie }
