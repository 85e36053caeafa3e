package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := NewViper()
	v.Set("token", "secret")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, discordgo.IntentsAllWithoutPrivileged, cfg.Intents)
	assert.Equal(t, 0, cfg.ShardCount)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 250, cfg.LargeThreshold)
	assert.Equal(t, 3, cfg.MaxRateLimitRetries)
	assert.Equal(t, 100, cfg.MessageRing)
	assert.True(t, cfg.FetchOnMiss)
	assert.Equal(t, 2*time.Minute, cfg.ResumeWindow)
	assert.Equal(t, 30*time.Second, cfg.RestartCooldown)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRequiresToken(t *testing.T) {
	_, err := Load(NewViper())
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "from-env")
	t.Setenv("GATEWAY_SHARDS_COUNT", "4")
	t.Setenv("GATEWAY_CACHE_MESSAGE_RING", "10")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, 4, cfg.ShardCount)
	assert.Equal(t, 10, cfg.MessageRing)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token: file-token
shards:
  count: 2
  ids: [1]
gateway:
  compress: false
redis:
  addr: localhost:6379
`), 0o600))

	v := NewViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Token)
	assert.Equal(t, []int{1}, cfg.ShardIDs)
	assert.False(t, cfg.Compress)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidateShardIDs(t *testing.T) {
	cfg := Config{Token: "x", ShardCount: 2, ShardIDs: []int{0, 2}}
	assert.Error(t, cfg.Validate())

	cfg.ShardIDs = []int{0, 1}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoadFileEmptyPathUsesEnv(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "env-only")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Token)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddress)
}
