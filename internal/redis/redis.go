package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned when a key does not exist.
var ErrMiss = errors.New("redis: key not found")

type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Network  string `json:"network"` // "tcp" or "unix" for socket path
	Prefix   string `json:"prefix"`
}

// Client is a thin wrapper over go-redis that namespaces keys and stores
// values as JSON.
type Client struct {
	client redis.UniversalClient
	prefix string
}

func New(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	network := "tcp"
	if cfg.Network != "" {
		network = cfg.Network
	}
	// A path means a local socket.
	if len(cfg.Addr) > 0 && cfg.Addr[0] == '/' {
		network = "unix"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Network:      network,
		PoolSize:     16,
		MinIdleConns: 2,
		MaxRetries:   3,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if log != nil {
		log.Info("redis connected", zap.String("addr", cfg.Addr), zap.String("network", network))
	}
	return &Client{client: rdb, prefix: cfg.Prefix}, nil
}

// Wrap uses an existing go-redis client.
func Wrap(c redis.UniversalClient, prefix string) *Client {
	return &Client{client: c, prefix: prefix}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) key(k string) string { return c.prefix + k }

func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, c.key(key), expiration).Err()
}

// SetJSON stores v encoded as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, v any, expiration time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, expiration)
}

// GetJSON decodes the value at key into v, returning ErrMiss if absent.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
