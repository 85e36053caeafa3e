// Package gatewaycore wires the gateway shards, the REST pipeline and the
// entity cache into one client.
package gatewaycore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"discord-gateway-core/internal/cache"
	"discord-gateway-core/internal/config"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/gateway"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/ratelimit"
	"discord-gateway-core/internal/redis"
	"discord-gateway-core/internal/rest"
	"discord-gateway-core/internal/shard"
	"discord-gateway-core/internal/snowflake"
	"discord-gateway-core/internal/state"
)

// Option customises a Client beyond what config.Config carries.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	dialer  gateway.Dialer
	baseURL string
	redis   *redis.Client
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
func WithDialer(d gateway.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithRESTBaseURL points the REST pipeline somewhere other than the
// production API, typically a test server.
func WithRESTBaseURL(url string) Option { return func(o *options) { o.baseURL = url } }

// WithRedis uses an existing connection instead of dialing cfg.RedisAddr.
func WithRedis(c *redis.Client) Option { return func(o *options) { o.redis = c } }

// Client is the assembled gateway core.
type Client struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	rest   *rest.Client
	rdb    *redis.Client
	ownRDB bool
	users  *cache.Cache[json.RawMessage]
	state  *state.State
	shards *shard.Coordinator

	dispatches *events.Bus[gateway.Event]

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// New builds every component from cfg. Nothing connects until Start, except
// Redis, which is pinged here so a bad address fails fast.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		l, err := logging.NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		log = l
	}

	c := &Client{cfg: cfg, log: log, metrics: o.metrics, rdb: o.redis, done: make(chan struct{})}

	if c.rdb == nil && cfg.RedisAddr != "" {
		rdb, err := redis.New(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "gateway:",
		}, log)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		c.rdb, c.ownRDB = rdb, true
	}

	buckets := ratelimit.NewStore(ratelimit.WithGlobalPerSecond(cfg.GlobalPerSecond))
	c.rest = rest.New(rest.Config{
		Token:               cfg.Token,
		BaseURL:             o.baseURL,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		MaxRetries:          cfg.MaxRetries,
		Timeout:             cfg.RESTTimeout,
	}, rest.WithLogger(log), rest.WithMetrics(c.metrics), rest.WithBuckets(buckets))

	users, err := cache.New[json.RawMessage](c.rdb, cache.Config{
		Name:       "users",
		DefaultTTL: cfg.UserTTL,
		Metrics:    c.metrics,
		Logger:     log,
	})
	if err != nil {
		c.closeRedis()
		return nil, err
	}
	c.users = users

	c.state = state.New(
		state.WithLogger(log),
		state.WithMetrics(c.metrics),
		state.WithFetcher(c.rest),
		state.WithUserCache(users),
		state.WithMessageRing(cfg.MessageRing),
		state.WithFetchOnMiss(cfg.FetchOnMiss),
	)

	var store gateway.SessionStore = gateway.NewMemoryStore()
	if c.rdb != nil {
		store = gateway.NewRedisStore(c.rdb, cfg.ResumeWindow)
	}

	sc := shard.DefaultConfig()
	sc.ShardCount = cfg.ShardCount
	sc.ShardIDs = cfg.ShardIDs
	sc.AutoRestart = cfg.AutoRestart
	if cfg.RestartCooldown > 0 {
		sc.RestartCooldown = cfg.RestartCooldown
	}
	sc.Session = gateway.Config{
		Token:          cfg.Token,
		Intents:        cfg.Intents,
		LargeThreshold: cfg.LargeThreshold,
		Compress:       cfg.Compress,
		MaxReconnects:  cfg.MaxReconnects,
		ResumeWindow:   cfg.ResumeWindow,
		// Descriptors in Redis outlive the process, so leave them resumable.
		KeepSessionOnClose: c.rdb != nil,
	}
	shardOpts := []shard.Option{
		shard.WithGatewayInfo(c.rest),
		shard.WithStore(store),
		shard.WithLogger(log),
		shard.WithMetrics(c.metrics),
	}
	if o.dialer != nil {
		shardOpts = append(shardOpts, shard.WithDialer(o.dialer))
	}
	c.shards = shard.New(sc, shardOpts...)

	c.dispatches = events.New[gateway.Event](func() { c.metrics.Dropped("dispatch_subscriber_full") })
	return c, nil
}

// Start connects every shard and begins feeding the cache. Each dispatch
// is applied to the cache before it is published on Dispatches, so a
// subscriber always sees the cache at least as new as the event.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("gatewaycore: already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.shards.Start(ctx); err != nil {
		close(c.done)
		return err
	}
	go c.pump(ctx)
	return nil
}

func (c *Client) pump(ctx context.Context) {
	defer close(c.done)
	for ev := range c.shards.Events() {
		if res := c.state.Apply(ctx, ev); res == state.Malformed {
			c.log.Warn("dispatch not cached", zap.Int("shard", ev.Shard),
				zap.String("event", ev.Type), zap.Int64("seq", ev.Seq))
		}
		// A failed publish only means ctx is done; keep draining so the
		// shards can shut down.
		_ = c.dispatches.Publish(ctx, ev)
	}
}

// WaitReady blocks until every shard has connected once.
func (c *Client) WaitReady(ctx context.Context) error { return c.shards.WaitReady(ctx) }

// Close stops the shards, waits for queued dispatches to be applied and
// releases every resource. It is safe to call without Start.
func (c *Client) Close() error {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()

	if started {
		c.shards.Stop()
		<-c.done
	}
	c.dispatches.Close()
	c.state.Changes().Close()
	c.shards.Lifecycle().Close()
	c.users.Close()
	err := c.closeRedis()
	_ = c.log.Sync()
	return err
}

func (c *Client) closeRedis() error {
	if c.ownRDB && c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *Client) REST() *rest.Client { return c.rest }
func (c *Client) State() *state.State { return c.state }
func (c *Client) Shards() *shard.Coordinator { return c.shards }
func (c *Client) Logger() *zap.Logger { return c.log }
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }
func (c *Client) Config() config.Config { return c.cfg }
func (c *Client) Buckets() *ratelimit.Store { return c.rest.Buckets() }

// Dispatches carries every dispatch after it has been applied to the cache.
func (c *Client) Dispatches() *events.Bus[gateway.Event] { return c.dispatches }

// Changes carries every entity change made by the cache.
func (c *Client) Changes() *events.Bus[state.Change] { return c.state.Changes() }

// Lifecycle carries connection state changes of every shard.
func (c *Client) Lifecycle() *events.Bus[gateway.LifecycleEvent] { return c.shards.Lifecycle() }

func (c *Client) sessionFor(guildID snowflake.ID) (*gateway.Session, error) {
	id := c.shards.ShardFor(guildID)
	s := c.shards.Session(id)
	if s == nil {
		return nil, fmt.Errorf("shard %d is not run by this process: %w", id, gateway.ErrNotConnected)
	}
	return s, nil
}

// RequestGuildMembers asks the shard owning the guild for member chunks and
// returns the nonce the chunks will carry. Chunks are cached as they arrive.
func (c *Client) RequestGuildMembers(ctx context.Context, req gateway.RequestGuildMembers) (string, error) {
	s, err := c.sessionFor(snowflake.ParseFast(req.GuildID))
	if err != nil {
		return "", err
	}
	return s.RequestGuildMembers(ctx, req)
}

// UpdateVoiceState sends a voice state update through the guild's shard.
func (c *Client) UpdateVoiceState(ctx context.Context, v gateway.VoiceStateUpdate) error {
	s, err := c.sessionFor(snowflake.ParseFast(v.GuildID))
	if err != nil {
		return err
	}
	return s.UpdateVoiceState(ctx, v)
}

// UpdatePresence sends the presence to every shard this process runs and
// returns the first error.
func (c *Client) UpdatePresence(ctx context.Context, p discordgo.UpdateStatusData) error {
	var first error
	for _, st := range c.shards.Status() {
		s := c.shards.Session(st.ID)
		if s == nil {
			continue
		}
		if err := s.UpdatePresence(ctx, p); err != nil && first == nil {
			first = fmt.Errorf("shard %d: %w", st.ID, err)
		}
	}
	return first
}
