package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/redis"
)

// Descriptor is what a session needs to resume after a disconnect.
type Descriptor struct {
	SessionID  string    `json:"session_id"`
	ResumeURL  string    `json:"resume_url"`
	Seq        int64     `json:"seq"`
	ShardID    int       `json:"shard_id"`
	ShardCount int       `json:"shard_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Valid reports whether the descriptor can be used for a resume at all.
func (d *Descriptor) Valid() bool {
	return d != nil && d.SessionID != "" && d.Seq > 0
}

// Expired reports whether the descriptor is older than the resume window.
func (d *Descriptor) Expired(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(d.UpdatedAt) > window
}

// Matches reports whether the descriptor was issued for the given shard layout.
func (d *Descriptor) Matches(shardID, shardCount int) bool {
	return d.ShardID == shardID && d.ShardCount == shardCount
}

// Advance records a sequence number received on sessionID. A sequence from a
// different session is rejected; lower or equal numbers are ignored.
func (d *Descriptor) Advance(sessionID string, seq int64, now time.Time) error {
	if d.SessionID != "" && sessionID != d.SessionID {
		return fmt.Errorf("advance seq %d for %q on %q: %w", seq, sessionID, d.SessionID, errs.ErrSequenceMismatch)
	}
	if seq > d.Seq {
		d.Seq = seq
	}
	d.UpdatedAt = now
	return nil
}

// SessionStore persists descriptors so a restarted process can resume.
type SessionStore interface {
	Load(ctx context.Context, shardID, shardCount int) (*Descriptor, error)
	Save(ctx context.Context, d Descriptor) error
	Clear(ctx context.Context, shardID, shardCount int) error
}

// MemoryStore keeps descriptors in process.
type MemoryStore struct {
	mu sync.Mutex
	m  map[[2]int]Descriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[[2]int]Descriptor)}
}

func (s *MemoryStore) Load(_ context.Context, shardID, shardCount int) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[[2]int{shardID, shardCount}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemoryStore) Save(_ context.Context, d Descriptor) error {
	s.mu.Lock()
	s.m[[2]int{d.ShardID, d.ShardCount}] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, shardID, shardCount int) error {
	s.mu.Lock()
	delete(s.m, [2]int{shardID, shardCount})
	s.mu.Unlock()
	return nil
}

// RedisStore keeps descriptors in Redis with a TTL equal to the resume window.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(c *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: c, ttl: ttl}
}

func redisKey(shardID, shardCount int) string {
	return fmt.Sprintf("gateway:session:%d/%d", shardID, shardCount)
}

func (s *RedisStore) Load(ctx context.Context, shardID, shardCount int) (*Descriptor, error) {
	var d Descriptor
	err := s.client.GetJSON(ctx, redisKey(shardID, shardCount), &d)
	if errors.Is(err, redis.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *RedisStore) Save(ctx context.Context, d Descriptor) error {
	return s.client.SetJSON(ctx, redisKey(d.ShardID, d.ShardCount), d, s.ttl)
}

func (s *RedisStore) Clear(ctx context.Context, shardID, shardCount int) error {
	return s.client.Del(ctx, redisKey(shardID, shardCount))
}
