package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zero() float64 { return 0 }

func TestHeartbeaterSignalsZombieOnce(t *testing.T) {
	var sends atomic.Int32
	hb := newHeartbeater(20*time.Millisecond, func() error {
		sends.Add(1)
		return nil
	}, zero)

	done := make(chan error, 1)
	go func() { done <- hb.run(context.Background()) }()

	select {
	case <-hb.Zombie():
	case <-time.After(time.Second):
		t.Fatal("no zombie signal")
	}
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), sends.Load())

	select {
	case <-hb.Zombie():
		t.Fatal("zombie signalled twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeaterAckKeepsBeating(t *testing.T) {
	var hb *heartbeater
	var sends atomic.Int32
	hb = newHeartbeater(10*time.Millisecond, func() error {
		sends.Add(1)
		go hb.Ack()
		return nil
	}, zero)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, hb.run(ctx))

	assert.GreaterOrEqual(t, sends.Load(), int32(4))
	select {
	case <-hb.Zombie():
		t.Fatal("acked heartbeater went zombie")
	default:
	}
}

func TestHeartbeaterBeatOnDemand(t *testing.T) {
	sent := make(chan struct{}, 4)
	hb := newHeartbeater(time.Hour, func() error {
		sent <- struct{}{}
		return nil
	}, func() float64 { return 0.99 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.run(ctx)

	hb.Beat()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("requested beat not sent")
	}
	assert.Greater(t, hb.Ack(), time.Duration(0))
	assert.Equal(t, time.Duration(0), hb.Ack())
}

func TestHeartbeaterFirstDelayIsJittered(t *testing.T) {
	hb := newHeartbeater(time.Second, nil, func() float64 { return 0.25 })
	assert.Equal(t, 250*time.Millisecond, hb.firstDelay())
}
