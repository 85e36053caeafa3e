package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GATEWAY"

	defaultLogLevel       = "info"
	defaultMetricsAddress = ":9100"
)

// Config captures runtime configuration for the gateway core.
type Config struct {
	Token   string
	Intents discordgo.Intent

	ShardCount      int
	ShardIDs        []int
	RestartCooldown time.Duration
	AutoRestart     bool

	Compress       bool
	LargeThreshold int
	MaxReconnects  int
	ResumeWindow   time.Duration

	MaxRateLimitRetries int
	MaxRetries          int
	RESTTimeout         time.Duration
	GlobalPerSecond     int

	MessageRing int
	FetchOnMiss bool
	UserTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel       string
	MetricsAddress string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("intents", int(discordgo.IntentsAllWithoutPrivileged))
	v.SetDefault("shards.count", 0)
	v.SetDefault("shards.ids", []int{})
	v.SetDefault("shards.restart_cooldown", 30*time.Second)
	v.SetDefault("shards.auto_restart", true)

	v.SetDefault("gateway.compress", true)
	v.SetDefault("gateway.large_threshold", 250)
	v.SetDefault("gateway.max_reconnects", 0)
	v.SetDefault("gateway.resume_window", 2*time.Minute)

	v.SetDefault("rest.max_rate_limit_retries", 3)
	v.SetDefault("rest.max_retries", 3)
	v.SetDefault("rest.timeout", 15*time.Second)
	v.SetDefault("rest.global_per_second", 50)

	v.SetDefault("cache.message_ring", 100)
	v.SetDefault("cache.fetch_on_miss", true)
	v.SetDefault("cache.user_ttl", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("metrics.address", defaultMetricsAddress)
}

// LoadFile reads an optional YAML or JSON file at path, overlays GATEWAY_*
// environment variables and validates the result.
func LoadFile(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Load(v)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Token:   v.GetString("token"),
		Intents: discordgo.Intent(v.GetInt("intents")),

		ShardCount:      v.GetInt("shards.count"),
		ShardIDs:        v.GetIntSlice("shards.ids"),
		RestartCooldown: v.GetDuration("shards.restart_cooldown"),
		AutoRestart:     v.GetBool("shards.auto_restart"),

		Compress:       v.GetBool("gateway.compress"),
		LargeThreshold: v.GetInt("gateway.large_threshold"),
		MaxReconnects:  v.GetInt("gateway.max_reconnects"),
		ResumeWindow:   v.GetDuration("gateway.resume_window"),

		MaxRateLimitRetries: v.GetInt("rest.max_rate_limit_retries"),
		MaxRetries:          v.GetInt("rest.max_retries"),
		RESTTimeout:         v.GetDuration("rest.timeout"),
		GlobalPerSecond:     v.GetInt("rest.global_per_second"),

		MessageRing: v.GetInt("cache.message_ring"),
		FetchOnMiss: v.GetBool("cache.fetch_on_miss"),
		UserTTL:     v.GetDuration("cache.user_ttl"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		LogLevel:       v.GetString("log.level"),
		MetricsAddress: v.GetString("metrics.address"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if c.ShardCount < 0 {
		return fmt.Errorf("shards.count must not be negative")
	}
	for _, id := range c.ShardIDs {
		if id < 0 || (c.ShardCount > 0 && id >= c.ShardCount) {
			return fmt.Errorf("shard id %d out of range for %d shards", id, c.ShardCount)
		}
	}
	if c.LargeThreshold != 0 && (c.LargeThreshold < 50 || c.LargeThreshold > 250) {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250")
	}
	if c.MessageRing < 0 {
		return fmt.Errorf("cache.message_ring must not be negative")
	}
	return nil
}
