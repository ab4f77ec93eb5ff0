package dicehub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/arkhamlabs/keeperd/pkg/dice"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn, ctx
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d subscribers, got %d", n, hub.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubPublishCheck(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	conn, ctx := dialHub(t, hub)
	waitForSubscribers(t, hub, 1)

	hub.PublishCheck(dice.Outcome{
		CharacterID: "amelia",
		Skill:       "investigate",
		SkillValue:  60,
		Difficulty:  dice.Regular,
		Threshold:   60,
		Roll:        42,
		Success:     true,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f struct {
		Type    string       `json:"type"`
		Payload dice.Outcome `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != FrameSkillCheckResult {
		t.Fatalf("want frame type %q, got %q", FrameSkillCheckResult, f.Type)
	}
	if f.Payload.Roll != 42 || !f.Payload.Success {
		t.Fatalf("want roll 42 success, got %+v", f.Payload)
	}
}

func TestHubPublishStateRefresh(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	conn, ctx := dialHub(t, hub)
	waitForSubscribers(t, hub, 1)

	hub.PublishStateRefresh([]string{"amelia", "caretaker"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f struct {
		Type    string         `json:"type"`
		Payload RefreshPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != FrameCharacterStateRefresh {
		t.Fatalf("want frame type %q, got %q", FrameCharacterStateRefresh, f.Type)
	}
	if len(f.Payload.CharacterIDs) != 2 || f.Payload.CharacterIDs[0] != "amelia" {
		t.Fatalf("want [amelia caretaker], got %v", f.Payload.CharacterIDs)
	}
}

func TestHubEmptyRefreshIsNotPublished(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	conn, _ := dialHub(t, hub)
	waitForSubscribers(t, hub, 1)

	hub.PublishStateRefresh(nil)

	readCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatal("want no frame for empty refresh")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)

	// A subscriber that never drains: register directly so the write pump
	// is not running.
	sub := &subscriber{
		frames: make(chan []byte, subscriberBuffer),
		cancel: func() {},
	}
	hub.mu.Lock()
	hub.subs[sub] = struct{}{}
	hub.mu.Unlock()

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.PublishCheck(dice.Outcome{Roll: i})
	}
	if got := hub.SubscriberCount(); got != 0 {
		t.Fatalf("want slow subscriber dropped, still have %d", got)
	}
}
