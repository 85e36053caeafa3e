// Package shard runs a set of gateway sessions, one per shard, behind a
// shared identify gate and a single fan-in event stream.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"discord-gateway-core/internal/backoff"
	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/gateway"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/snowflake"
)

// GatewayInfo reports the recommended shard count and identify limits.
// *rest.Client satisfies it.
type GatewayInfo interface {
	GatewayBot(ctx context.Context) (*discordgo.GatewayBotResponse, error)
}

// Config for a Coordinator.
type Config struct {
	// ShardCount of 0 asks GatewayInfo for the recommended count.
	ShardCount int
	// ShardIDs restricts which shards this process runs; empty means all.
	ShardIDs []int

	// MaxConcurrency of 0 uses the server's session_start_limit.
	MaxConcurrency  int
	IdentifySpacing time.Duration

	AutoRestart     bool
	RestartCooldown time.Duration

	EventBuffer int

	// Session is the template every shard's session is built from.
	Session gateway.Config
}

// DefaultConfig restarts failed shards after 30 seconds.
func DefaultConfig() Config {
	return Config{
		IdentifySpacing: DefaultIdentifySpacing,
		AutoRestart:     true,
		RestartCooldown: 30 * time.Second,
		EventBuffer:     1024,
	}
}

type Option func(*Coordinator)

func WithGatewayInfo(gi GatewayInfo) Option { return func(c *Coordinator) { c.info = gi } }
func WithDialer(d gateway.Dialer) Option   { return func(c *Coordinator) { c.dialer = d } }
func WithStore(s gateway.SessionStore) Option {
	return func(c *Coordinator) { c.store = s }
}
func WithLogger(l *zap.Logger) Option         { return func(c *Coordinator) { c.root = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(c *Coordinator) { c.metrics = m } }
func WithGateOptions(o ...GateOption) Option { return func(c *Coordinator) { c.gateOpts = o } }

// Status is a point-in-time view of one shard.
type Status struct {
	ID        int
	State     gateway.State
	Down      bool
	LastError error
	Restarts  int
	Latency   time.Duration
}

type shardSlot struct {
	id       int
	session  *gateway.Session
	down     bool
	lastErr  error
	restarts int
}

// Coordinator owns every shard session of the process.
type Coordinator struct {
	cfg      Config
	info     GatewayInfo
	dialer   gateway.Dialer
	store    gateway.SessionStore
	root     *zap.Logger
	log      *zap.Logger
	metrics  *metrics.Metrics
	gateOpts []GateOption

	gate      *IdentifyGate
	lifecycle *events.Bus[gateway.LifecycleEvent]
	events    chan gateway.Event

	mu     sync.RWMutex
	shards map[int]*shardSlot
	count  int

	ready     chan struct{}
	readyOnce sync.Once

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	started bool
}

func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	c := &Coordinator{
		cfg:    cfg,
		store:  gateway.NewMemoryStore(),
		shards: make(map[int]*shardSlot),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root = logging.OrNop(c.root)
	c.log = c.root.Named("shard")
	c.lifecycle = events.New[gateway.LifecycleEvent](nil)
	c.events = make(chan gateway.Event, cfg.EventBuffer)
	return c
}

// Events is the fan-in of every shard's dispatches. It is closed after Stop
// once the last session has exited.
func (c *Coordinator) Events() <-chan gateway.Event { return c.events }

// Lifecycle carries every shard's connection lifecycle notifications.
func (c *Coordinator) Lifecycle() *events.Bus[gateway.LifecycleEvent] { return c.lifecycle }

// Gate is nil until Start.
func (c *Coordinator) Gate() *IdentifyGate { return c.gate }

// ShardCount is the total shard count in use, known after Start.
func (c *Coordinator) ShardCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Start resolves the shard layout and launches every shard. It returns once
// the sessions are running; use WaitReady to wait for them to connect.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("shard: coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	count, maxConc, url, blockUntil, err := c.layout(ctx)
	if err != nil {
		return err
	}
	ids, err := c.shardIDs(count)
	if err != nil {
		return err
	}

	spacing := c.cfg.IdentifySpacing
	if spacing == 0 {
		spacing = DefaultIdentifySpacing
	}
	c.gate = NewIdentifyGate(maxConc, spacing, c.gateOpts...)
	if !blockUntil.IsZero() {
		c.log.Warn("session start limit exhausted, delaying identify", zap.Time("until", blockUntil))
		c.gate.BlockUntil(blockUntil)
	}

	c.mu.Lock()
	c.count = count
	for _, id := range ids {
		c.shards[id] = &shardSlot{id: id}
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	sub := c.lifecycle.Subscribe(256)
	go c.watch(sub)

	c.log.Info("starting shards",
		zap.Int("shard_count", count), zap.Ints("shard_ids", ids), zap.Int("max_concurrency", maxConc))
	for _, id := range ids {
		c.wg.Add(1)
		go c.runShard(runCtx, id, url)
	}

	go func() {
		c.wg.Wait()
		sub.Close()
		close(c.events)
		close(c.done)
	}()
	return nil
}

func (c *Coordinator) layout(ctx context.Context) (count, maxConc int, url string, blockUntil time.Time, err error) {
	count, maxConc, url = c.cfg.ShardCount, c.cfg.MaxConcurrency, c.cfg.Session.URL
	if c.info != nil && (count == 0 || maxConc == 0 || url == "") {
		gb, gerr := c.info.GatewayBot(ctx)
		if gerr != nil {
			return 0, 0, "", time.Time{}, fmt.Errorf("shard: resolve gateway: %w", gerr)
		}
		if count == 0 {
			count = gb.Shards
		}
		if maxConc == 0 {
			maxConc = gb.SessionStartLimit.MaxConcurrency
		}
		if url == "" {
			url = gb.URL
		}
		if limit := gb.SessionStartLimit; limit.Total > 0 && limit.Remaining == 0 {
			blockUntil = time.Now().Add(time.Duration(limit.ResetAfter) * time.Millisecond)
		}
	}
	if count <= 0 {
		count = 1
	}
	if maxConc <= 0 {
		maxConc = 1
	}
	if url == "" {
		return 0, 0, "", time.Time{}, &errs.PermanentFailure{Shard: -1, Reason: "no gateway url"}
	}
	return count, maxConc, url, blockUntil, nil
}

func (c *Coordinator) shardIDs(count int) ([]int, error) {
	if len(c.cfg.ShardIDs) == 0 {
		ids := make([]int, count)
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}
	seen := make(map[int]bool, len(c.cfg.ShardIDs))
	ids := make([]int, 0, len(c.cfg.ShardIDs))
	for _, id := range c.cfg.ShardIDs {
		if id < 0 || id >= count {
			return nil, fmt.Errorf("shard: id %d out of range for %d shards", id, count)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Coordinator) newSession(id int, url string) *gateway.Session {
	cfg := c.cfg.Session
	cfg.ShardID = id
	cfg.ShardCount = c.count
	cfg.URL = url

	opts := []gateway.Option{
		gateway.WithStore(c.store),
		gateway.WithGate(c.gate),
		gateway.WithLogger(c.root),
		gateway.WithMetrics(c.metrics),
		gateway.WithLifecycle(c.lifecycle),
	}
	if c.dialer != nil {
		opts = append(opts, gateway.WithDialer(c.dialer))
	}
	return gateway.New(cfg, opts...)
}

// runShard keeps one shard alive, restarting it after permanent failures
// when AutoRestart is set.
func (c *Coordinator) runShard(ctx context.Context, id int, url string) {
	defer c.wg.Done()
	log := c.log.With(zap.Int("shard", id))

	for {
		sess := c.newSession(id, url)
		c.mu.Lock()
		slot := c.shards[id]
		slot.session = sess
		slot.down = false
		c.mu.Unlock()

		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for ev := range sess.Events() {
				select {
				case c.events <- ev:
				case <-ctx.Done():
				}
			}
		}()

		err := sess.Run(ctx)
		<-forwarded
		if ctx.Err() != nil || err == nil {
			return
		}

		c.mu.Lock()
		slot.down = true
		slot.lastErr = err
		c.mu.Unlock()
		log.Error("shard down", zap.Error(err))

		if !c.cfg.AutoRestart {
			return
		}
		cooldown := c.cfg.RestartCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		if backoff.Sleep(ctx, cooldown) != nil {
			return
		}

		// A restarted shard always starts from a fresh identify.
		if err := c.store.Clear(ctx, id, c.count); err != nil {
			log.Warn("failed to clear session before restart", zap.Error(err))
		}
		c.mu.Lock()
		slot.restarts++
		restarts := slot.restarts
		c.mu.Unlock()
		log.Info("restarting shard", zap.Int("restarts", restarts))
	}
}

// watch closes the ready channel the first time every shard is connected.
// It drains sub until the subscription is closed so lifecycle publishers
// never stall on it.
func (c *Coordinator) watch(sub *events.Subscription[gateway.LifecycleEvent]) {
	for ev := range sub.C {
		if ev.Kind != gateway.Connected && ev.Kind != gateway.Resumed {
			continue
		}
		if c.AllConnected() {
			c.readyOnce.Do(func() {
				c.log.Info("all shards connected")
				close(c.ready)
			})
		}
	}
}

// Status returns a snapshot of every shard, ordered by id.
func (c *Coordinator) Status() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.shards))
	for id := 0; id < c.count; id++ {
		slot, ok := c.shards[id]
		if !ok {
			continue
		}
		st := Status{ID: id, Down: slot.down, LastError: slot.lastErr, Restarts: slot.restarts}
		if slot.session != nil {
			st.State = slot.session.State()
			st.Latency = slot.session.Latency()
		}
		out = append(out, st)
	}
	return out
}

// AllConnected reports whether every shard this process runs is Connected.
func (c *Coordinator) AllConnected() bool {
	st := c.Status()
	if len(st) == 0 {
		return false
	}
	for _, s := range st {
		if s.Down || s.State != gateway.StateConnected {
			return false
		}
	}
	return true
}

// Ready is closed the first time every shard is connected.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// WaitReady blocks until every shard has connected once.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errs.ErrClosed
	}
}

// Session returns the live session for a shard, or nil.
func (c *Coordinator) Session(id int) *gateway.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if slot, ok := c.shards[id]; ok {
		return slot.session
	}
	return nil
}

// ShardFor returns which shard receives events for a guild.
func (c *Coordinator) ShardFor(guildID snowflake.ID) int {
	n := c.ShardCount()
	if n <= 1 {
		return 0
	}
	return int((uint64(guildID) >> 22) % uint64(n))
}

// Stop cancels every session and waits for them to exit.
func (c *Coordinator) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.done
	c.log.Info("all shards stopped")
}
