// Package breakerstore provides a shared circuit-breaker state store for
// deployments that run more than one gateway process against the same
// provider endpoint. The in-memory Store is the default (one Breaker per
// process); the Redis-backed Store keeps a shared per-key failure counter
// so a process can seed a newly obtained breaker from failures other
// processes recorded. Each process's breaker still trips and recovers on
// its own.
package breakerstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexavoice/gateway/internal/reliability"
)

// Key identifies the (provider_id, endpoint) pair a Breaker is scoped to.
type Key struct {
	ProviderID string
	Endpoint   string
}

func (k Key) redisKey() string {
	return fmt.Sprintf("gateway:breaker:%s:%s", k.ProviderID, k.Endpoint)
}

// Store vends a *reliability.Breaker per Key, constructing one on first
// use with cfg.
type Store interface {
	Get(key Key, cfg reliability.BreakerConfig) *reliability.Breaker
}

// MemoryStore is the default process-local Store: one Breaker instance
// per Key, shared by every caller in this process.
type MemoryStore struct {
	mu       sync.Mutex
	breakers map[Key]*reliability.Breaker
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{breakers: make(map[Key]*reliability.Breaker)}
}

func (s *MemoryStore) Get(key Key, cfg reliability.BreakerConfig) *reliability.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := reliability.NewBreaker(cfg)
	s.breakers[key] = b
	return b
}

// RedisStore shares a failure streak per Key through Redis. Each process
// still runs its own in-memory reliability.Breaker for the fast
// Allow()/RecordSuccess()/RecordFailure() path; callers report outcomes
// with RecordOutcome, which increments or clears the shared counter, and
// Get seeds a closed breaker from that counter, so a process that starts
// mid-outage doesn't need to rediscover the failure streak itself. Breaker
// state transitions themselves are not published.
type RedisStore struct {
	client redis.Cmdable
	local  *MemoryStore
	ttl    time.Duration
}

// NewRedisStore wraps client. ttl controls how long a shared failure-count
// entry survives without being refreshed.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisStore{client: client, local: NewMemoryStore(), ttl: ttl}
}

func (s *RedisStore) Get(key Key, cfg reliability.BreakerConfig) *reliability.Breaker {
	b := s.local.Get(key, cfg)
	s.seedFromShared(key, cfg, b)
	return b
}

// seedFromShared reads the shared failure streak for key and, if it
// already meets the breaker's FailureThreshold, records enough failures
// locally so a freshly started process honors an outage another process
// already detected instead of needing to rediscover it from scratch.
func (s *RedisStore) seedFromShared(key Key, cfg reliability.BreakerConfig, b *reliability.Breaker) {
	if b.State() != reliability.BreakerClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	count, err := s.client.Get(ctx, key.redisKey()).Int()
	if err != nil {
		return // redis.Nil or a transport error: fall back to local-only state
	}
	if count < cfg.FailureThreshold {
		return
	}
	for i := 0; i < count && i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
}

// RecordOutcome publishes a call outcome to the shared store. Call this
// alongside the local breaker's RecordSuccess/RecordFailure.
func (s *RedisStore) RecordOutcome(key Key, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if success {
		s.client.Del(ctx, key.redisKey())
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key.redisKey())
	pipe.Expire(ctx, key.redisKey(), s.ttl)
	_, _ = pipe.Exec(ctx)
}
