// Package redis implements the memory.Store shelf on a Redis list per NPC.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkhamlabs/keeperd/pkg/memory"
)

const keyPrefix = "npc_memory:"

// defaultTTL matches the per-character expiry of the game-state layer: a
// shelf untouched for a day is stale context anyway.
const defaultTTL = 24 * time.Hour

// Store is a Redis-backed memory.Store. Each NPC's shelf is one list,
// newest entry at the head, trimmed to [memory.ShelfCap].
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ memory.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithTTL overrides the shelf expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(npcID string) string { return keyPrefix + npcID }

// Remember implements memory.Store.
func (s *Store) Remember(ctx context.Context, npcID string, entry memory.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memory: encode entry for %q: %w", npcID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key(npcID), raw)
	pipe.LTrim(ctx, key(npcID), 0, memory.ShelfCap-1)
	pipe.Expire(ctx, key(npcID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("memory: remember for %q: %w", npcID, err)
	}
	return nil
}

// Recall implements memory.Store.
func (s *Store) Recall(ctx context.Context, npcID string, limit int) ([]memory.Entry, error) {
	if limit <= 0 || limit > memory.ShelfCap {
		limit = memory.ShelfCap
	}
	raws, err := s.client.LRange(ctx, key(npcID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: recall for %q: %w", npcID, err)
	}
	// List head is newest; return oldest first.
	entries := make([]memory.Entry, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var e memory.Entry
		if err := json.Unmarshal([]byte(raws[i]), &e); err != nil {
			return nil, fmt.Errorf("memory: decode entry for %q: %w", npcID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
