package shard

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discord-gateway-core/internal/backoff"
	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/gateway"
	"discord-gateway-core/internal/snowflake"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdentifySpacing = 20 * time.Millisecond
	cfg.RestartCooldown = 20 * time.Millisecond
	cfg.Session = gateway.Config{
		Token:        "Bot tok",
		HelloTimeout: time.Second,
		Backoff:      backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		Rand:         func() float64 { return 0.5 },
	}
	return cfg
}

func TestCoordinatorResolvesLayoutAndConnects(t *testing.T) {
	gw := newFakeGateway()
	info := &fakeInfo{}
	info.resp.URL = "wss://gateway.test"
	info.resp.Shards = 3
	info.resp.SessionStartLimit.Total = 1000
	info.resp.SessionStartLimit.Remaining = 1000
	info.resp.SessionStartLimit.MaxConcurrency = 1

	var mu sync.Mutex
	var grants []time.Time
	c := New(testConfig(),
		WithDialer(gw),
		WithGatewayInfo(info),
		WithGateOptions(WithOnGrant(func(_ int, at time.Time) {
			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		})))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	assert.Equal(t, int32(1), info.calls.Load())
	assert.Equal(t, 3, c.ShardCount())
	assert.Equal(t, 1, c.Gate().MaxConcurrency())
	assert.True(t, c.AllConnected())

	st := c.Status()
	require.Len(t, st, 3)
	for i, s := range st {
		assert.Equal(t, i, s.ID)
		assert.Equal(t, gateway.StateConnected, s.State)
		assert.False(t, s.Down)
	}

	mu.Lock()
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	require.Len(t, grants, 3)
	assert.GreaterOrEqual(t, grants[2].Sub(grants[0]), 35*time.Millisecond)
	mu.Unlock()

	seen := map[int]bool{}
	for len(seen) < 3 {
		select {
		case ev := <-c.Events():
			assert.Equal(t, "READY", ev.Type)
			seen[ev.Shard] = true
		case <-time.After(time.Second):
			t.Fatalf("only saw READY from %v", seen)
		}
	}
}

func TestCoordinatorSpacesIdentifiesBehindSlowHandshake(t *testing.T) {
	const spacing = 30 * time.Millisecond
	gw := newFakeGateway()
	gw.delay = func(dial int) time.Duration {
		if dial == 1 {
			return 5 * spacing
		}
		return 0
	}

	cfg := testConfig()
	cfg.ShardCount = 5
	cfg.MaxConcurrency = 1
	cfg.IdentifySpacing = spacing
	cfg.Session.URL = "wss://gateway.test"

	log := newGrantLog(1)
	c := New(cfg, WithDialer(gw), WithGateOptions(WithOnGrant(log.record)))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	assert.Len(t, log.all(), 5)
	log.assertSpaced(t, spacing)
}

func TestCoordinatorStopClosesEvents(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 2
	cfg.MaxConcurrency = 2
	cfg.Session.URL = "wss://gateway.test"

	c := New(cfg, WithDialer(newFakeGateway()))
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	for range c.Events() {
	}
	for _, s := range c.Status() {
		assert.Equal(t, gateway.StateClosed, s.State)
	}
	assert.Error(t, c.Start(context.Background()), "second Start")
}

func TestCoordinatorRestartsFailedShard(t *testing.T) {
	gw := newFakeGateway()
	gw.reject = func(shardID, attempt int) int {
		if shardID == 1 && attempt == 0 {
			return gateway.CloseAuthenticationFailed
		}
		return 0
	}

	cfg := testConfig()
	cfg.ShardCount = 2
	cfg.MaxConcurrency = 2
	cfg.Session.URL = "wss://gateway.test"
	c := New(cfg, WithDialer(gw))
	failed := c.Lifecycle().Subscribe(8, events.WithFilter(func(e gateway.LifecycleEvent) bool {
		return e.Kind == gateway.Failed
	}))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case ev := <-failed.C:
		assert.Equal(t, 1, ev.Shard)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	st := c.Status()
	require.Len(t, st, 2)
	assert.Equal(t, 0, st[0].Restarts)
	assert.Equal(t, 1, st[1].Restarts)
	assert.False(t, st[1].Down)

	var pf *errs.PermanentFailure
	require.ErrorAs(t, st[1].LastError, &pf)
	assert.Equal(t, gateway.CloseAuthenticationFailed, pf.Code)
}

func TestCoordinatorWithoutAutoRestartLeavesShardDown(t *testing.T) {
	gw := newFakeGateway()
	gw.reject = func(int, int) int { return gateway.CloseDisallowedIntents }

	cfg := testConfig()
	cfg.AutoRestart = false
	cfg.ShardCount = 1
	cfg.Session.URL = "wss://gateway.test"
	c := New(cfg, WithDialer(gw))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		st := c.Status()
		return len(st) == 1 && st[0].Down
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.AllConnected())
	assert.Equal(t, int32(1), gw.dials.Load())

	// With every shard gone the coordinator winds down on its own.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), errs.ErrClosed)
}

func TestCoordinatorRejectsUnknownShardIDs(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 2
	cfg.ShardIDs = []int{0, 5}
	cfg.Session.URL = "wss://gateway.test"
	c := New(cfg, WithDialer(newFakeGateway()))
	assert.Error(t, c.Start(context.Background()))
}

func TestCoordinatorRunsSubsetAndRoutesGuilds(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 4
	cfg.ShardIDs = []int{2, 2}
	cfg.Session.URL = "wss://gateway.test"
	c := New(cfg, WithDialer(newFakeGateway()))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	st := c.Status()
	require.Len(t, st, 1)
	assert.Equal(t, 2, st[0].ID)
	assert.NotNil(t, c.Session(2))
	assert.Nil(t, c.Session(0))

	guild := snowflake.ID(2 << 22)
	assert.Equal(t, 2, c.ShardFor(guild))
	assert.Equal(t, 1, c.ShardFor(snowflake.ID(5<<22)))
}

func TestCoordinatorHonoursExhaustedStartLimit(t *testing.T) {
	info := &fakeInfo{}
	info.resp.URL = "wss://gateway.test"
	info.resp.Shards = 1
	info.resp.SessionStartLimit.Total = 1000
	info.resp.SessionStartLimit.Remaining = 0
	info.resp.SessionStartLimit.ResetAfter = 60
	info.resp.SessionStartLimit.MaxConcurrency = 1

	start := time.Now()
	c := New(testConfig(), WithDialer(newFakeGateway()), WithGatewayInfo(info))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
