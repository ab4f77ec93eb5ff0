package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkhamlabs/keeperd/internal/catalog"
)

// Key layout. Per-character keys carry the character id suffix and a TTL;
// world state is a single permanent key.
const (
	worldKey         = "world_state"
	mapKeyPrefix     = "map_state:"
	sheetKeyPrefix   = "character_sheet:"
	sessionKeyPrefix = "session_state:"
	historyKeyPrefix = "conversation_history:"
	eventsKeyPrefix  = "completed_events:"
)

// defaultTTL is the expiry applied to per-character keys.
const defaultTTL = 24 * time.Hour

// Store exposes the five typed KV stores over a single [KV] backend.
type Store struct {
	kv  KV
	ttl time.Duration
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithTTL overrides the 24h expiry on per-character keys. Useful in tests.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore creates a Store over kv.
func NewStore(kv KV, opts ...StoreOption) *Store {
	s := &Store{kv: kv, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports backend reachability, for the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

func mapKey(id int) string        { return fmt.Sprintf("%s%d", mapKeyPrefix, id) }
func sheetKey(id string) string   { return sheetKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }
func historyKey(id string) string { return historyKeyPrefix + id }
func eventsKey(id string) string  { return eventsKeyPrefix + id }

func (s *Store) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("state: decode %q: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(raw), ttl)
}

// World returns the global world KV. Returns [ErrNotFound] until the seed
// has been loaded.
func (s *Store) World(ctx context.Context) (map[string]any, error) {
	var w map[string]any
	if err := s.getJSON(ctx, worldKey, &w); err != nil {
		return nil, err
	}
	return w, nil
}

// SaveWorld replaces the global world KV. No TTL.
func (s *Store) SaveWorld(ctx context.Context, w map[string]any) error {
	return s.putJSON(ctx, worldKey, w, 0)
}

// MapState returns the dynamic layer for mapID, or [ErrNotFound] if the map
// has not been loaded yet this run.
func (s *Store) MapState(ctx context.Context, mapID int) (*MapState, error) {
	var m MapState
	if err := s.getJSON(ctx, mapKey(mapID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMapState replaces the dynamic layer for mapID. No TTL: map state must
// outlive any single character's session.
func (s *Store) SaveMapState(ctx context.Context, mapID int, m *MapState) error {
	return s.putJSON(ctx, mapKey(mapID), m, 0)
}

// Sheet returns the cached character sheet copy, or [ErrNotFound].
func (s *Store) Sheet(ctx context.Context, id string) (*catalog.Sheet, error) {
	var sheet catalog.Sheet
	if err := s.getJSON(ctx, sheetKey(id), &sheet); err != nil {
		return nil, err
	}
	return &sheet, nil
}

// SaveSheet caches a character sheet copy with the per-character TTL.
func (s *Store) SaveSheet(ctx context.Context, sheet *catalog.Sheet) error {
	return s.putJSON(ctx, sheetKey(sheet.ID), sheet, s.ttl)
}

// Session returns the session state for id, or [ErrNotFound].
func (s *Store) Session(ctx context.Context, id string) (*SessionState, error) {
	var sess SessionState
	if err := s.getJSON(ctx, sessionKey(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession replaces the session state for id with the per-character TTL.
func (s *Store) SaveSession(ctx context.Context, sess *SessionState) error {
	return s.putJSON(ctx, sessionKey(sess.CharacterID), sess, s.ttl)
}

// History returns the conversation history for id. A missing key yields an
// empty history, not an error: every character starts with none.
func (s *Store) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var h []HistoryEntry
	err := s.getJSON(ctx, historyKey(id), &h)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// SaveHistory replaces the conversation history for id.
func (s *Store) SaveHistory(ctx context.Context, id string, h []HistoryEntry) error {
	return s.putJSON(ctx, historyKey(id), h, s.ttl)
}

// CompletedEvents returns the ordered completed-event ids for id. A missing
// key yields an empty list.
func (s *Store) CompletedEvents(ctx context.Context, id string) ([]int, error) {
	var ids []int
	err := s.getJSON(ctx, eventsKey(id), &ids)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SaveCompletedEvents replaces the completed-event list for id.
func (s *Store) SaveCompletedEvents(ctx context.Context, id string, ids []int) error {
	return s.putJSON(ctx, eventsKey(id), ids, s.ttl)
}

// Commit flushes every dirty piece of the working set. Writes are
// independent per store; each per-key write is an atomic replace. Commit
// stops at the first failing write so a retried turn starts from a
// consistent snapshot.
func (s *Store) Commit(ctx context.Context, v *TurnView) error {
	if v.dirtyWorld {
		if err := s.SaveWorld(ctx, v.World); err != nil {
			return err
		}
	}
	for mapID := range v.dirtyMaps {
		if err := s.SaveMapState(ctx, mapID, v.Maps[mapID]); err != nil {
			return err
		}
	}
	for id := range v.dirtySheets {
		if err := s.SaveSheet(ctx, v.Sheets[id]); err != nil {
			return err
		}
	}
	for id := range v.dirtySessions {
		if err := s.SaveSession(ctx, v.Sessions[id]); err != nil {
			return err
		}
	}
	if v.dirtyCompleted {
		if err := s.SaveCompletedEvents(ctx, v.PlayerID, v.Completed); err != nil {
			return err
		}
	}
	if v.dirtyHistory {
		if err := s.SaveHistory(ctx, v.PlayerID, v.History); err != nil {
			return err
		}
	}
	return nil
}
