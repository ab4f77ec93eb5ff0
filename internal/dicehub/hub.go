// Package dicehub fans dice results out to WebSocket subscribers. The turn
// pipeline publishes a frame for every resolved skill check and a refresh
// notice for every character whose live state changed; clients render the
// roll animation and refetch state from the HTTP surface.
//
// Publishing never blocks the turn: each subscriber has a bounded buffer and
// a subscriber that cannot keep up is dropped.
package dicehub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/arkhamlabs/keeperd/pkg/dice"
)

// Frame types pushed to subscribers.
const (
	FrameSkillCheckResult      = "skill_check_result"
	FrameCharacterStateRefresh = "character_state_refresh"
)

// Frame is the envelope written to every subscriber.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// RefreshPayload lists the characters whose live state changed this turn.
type RefreshPayload struct {
	CharacterIDs []string `json:"character_ids"`
}

// subscriberBuffer is the per-subscriber frame backlog. A client further
// behind than this is dropped.
const subscriberBuffer = 16

// Hub is the fan-out point. Safe for concurrent use.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	frames chan []byte
	cancel context.CancelFunc
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// PublishCheck pushes one resolved skill check to all subscribers.
func (h *Hub) PublishCheck(out dice.Outcome) {
	h.broadcast(Frame{Type: FrameSkillCheckResult, Payload: out})
}

// PublishStateRefresh tells subscribers which characters to refetch.
func (h *Hub) PublishStateRefresh(characterIDs []string) {
	if len(characterIDs) == 0 {
		return
	}
	h.broadcast(Frame{Type: FrameCharacterStateRefresh, Payload: RefreshPayload{CharacterIDs: characterIDs}})
}

func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("dicehub: encode frame", "type", f.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.frames <- data:
		default:
			// Backlog full. Drop the subscriber rather than stall a turn.
			h.log.Warn("dicehub: dropping slow subscriber")
			delete(h.subs, sub)
			sub.cancel()
		}
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a WebSocket and streams frames until the
// client disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the hub is same-origin behind the API server
	})
	if err != nil {
		h.log.Error("dicehub: accept", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sub := &subscriber{
		frames: make(chan []byte, subscriberBuffer),
		cancel: cancel,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Drain reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.frames:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
