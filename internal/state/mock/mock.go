// Package mock provides an in-memory [state.KV] for tests in other packages.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/arkhamlabs/keeperd/internal/state"
)

// KV is a map-backed key/value store. TTLs are recorded, not enforced. Set
// Err to inject a backend failure on every call.
type KV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration

	Err error
}

var _ state.KV = (*KV)(nil)

// NewKV returns an empty in-memory KV.
func NewKV() *KV {
	return &KV{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (k *KV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return "", k.Err
	}
	val, ok := k.data[key]
	if !ok {
		return "", state.ErrNotFound
	}
	return val, nil
}

func (k *KV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return k.Err
	}
	k.data[key] = value
	k.ttls[key] = ttl
	return nil
}

func (k *KV) Ping(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.Err
}

// TTL returns the expiry recorded for key by the last Set.
func (k *KV) TTL(key string) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ttls[key]
}

// Has reports whether key exists.
func (k *KV) Has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.data[key]
	return ok
}

// Raw returns the stored blob for key, for direct assertions.
func (k *KV) Raw(key string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data[key]
}
