// Package state is the dynamic game-state layer: five KV-backed stores
// (world, map, character sheet cache, session, conversation history plus the
// completed-event log) and the turn-local working set the orchestrator
// mutates between load and commit.
//
// Each store maps a typed key to a JSON blob. Per-character keys expire
// after 24 hours; world state never expires. The orchestrator loads copies
// at turn start, mutates them through [TurnView], and writes every dirty
// piece back in [Store.Commit] — partial writes are never committed.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkhamlabs/keeperd/internal/keeper"
)

// ErrNotFound is returned by getters when a key does not exist. Callers that
// can materialize the value (sessions, map state) recover from it; callers
// that cannot translate it to [keeper.ErrEntityMissing].
var ErrNotFound = errors.New("state: key not found")

// KV is the minimal key/value surface the stores need. The production
// implementation is [RedisKV]; tests use an in-memory map.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value at key. A zero ttl means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// RedisKV adapts a go-redis client to [KV]. Backend connectivity failures
// are wrapped with [keeper.ErrStoreUnavailable] so the turn runner aborts
// before committing anything.
type RedisKV struct {
	client *redis.Client
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV wraps an existing client. The caller owns the client lifecycle.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state: get %q: %w: %w", key, keeper.ErrStoreUnavailable, err)
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state: set %q: %w: %w", key, keeper.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("state: ping: %w: %w", keeper.ErrStoreUnavailable, err)
	}
	return nil
}
