// Package memory defines the short-term memory shelf NPC agents draw on
// when reacting to scene activity. Each NPC owns a bounded, time-ordered
// list of observations; the reactor writes what an NPC perceived and reads
// it back as prompt context on later turns.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// ShelfCap is the maximum number of entries retained per NPC. Writes past
// the cap evict the oldest entry.
const ShelfCap = 20

// Entry is one remembered observation.
type Entry struct {
	// Speaker is who acted or spoke: a character id or "keeper".
	Speaker string `json:"speaker"`

	// Content is the observation text as the NPC perceived it.
	Content string `json:"content"`

	// Timestamp is when the observation was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Store is the per-NPC observation shelf.
type Store interface {
	// Remember appends an entry to npcID's shelf, evicting the oldest entry
	// beyond [ShelfCap].
	Remember(ctx context.Context, npcID string, entry Entry) error

	// Recall returns up to limit of npcID's most recent entries, oldest
	// first. A limit of 0 returns the whole shelf. A character with no
	// recorded observations yields an empty slice, not an error.
	Recall(ctx context.Context, npcID string, limit int) ([]Entry, error)
}
