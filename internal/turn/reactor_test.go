package turn

import (
	"context"
	"strings"
	"testing"

	catalogmock "github.com/arkhamlabs/keeperd/internal/catalog/mock"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	memorymock "github.com/arkhamlabs/keeperd/pkg/memory/mock"
	oraclemock "github.com/arkhamlabs/keeperd/pkg/oracle/mock"
)

const publicReaction = `{"visibility":"public","dialogue":"You should not be here.","action":"steps off the porch","new_status":"","new_goal":""}`
const privateReaction = `{"visibility":"private","dialogue":"","action":"slipping a key into his coat","new_status":"","new_goal":""}`

func newTestReactor(t *testing.T, o *oraclemock.Oracle, rolls ...int) (*Reactor, *catalogmock.Store, *memorymock.Store) {
	t.Helper()
	cat := seededCatalog()
	shelf := memorymock.New()
	r := NewReactor(o, dice.NewRoller(dice.WithRolls(rolls...)), shelf, cat, testMetrics(t))
	return r, cat, shelf
}

func TestReactorOrdersByDexterity(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{publicReaction}}
	r, _, _ := newTestReactor(t, o)

	reactions, err := r.Run(context.Background(), farmView(), "我环顾四周", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reactions) != 2 {
		t.Fatalf("want 2 reactions, got %d", len(reactions))
	}
	// caretaker has dexterity 70, watcher 50
	if reactions[0].NPCID != "caretaker" || reactions[1].NPCID != "watcher" {
		t.Fatalf("want caretaker before watcher, got %s, %s", reactions[0].NPCID, reactions[1].NPCID)
	}
	if !strings.Contains(o.Calls[0].Req.Messages[0].Content, "You are Caretaker") {
		t.Fatal("first oracle call must prompt the caretaker")
	}
}

func TestReactorSkipsUnparseableNPC(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{"not json at all", publicReaction}}
	r, _, _ := newTestReactor(t, o)

	reactions, err := r.Run(context.Background(), farmView(), "input", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reactions) != 1 || reactions[0].NPCID != "watcher" {
		t.Fatalf("want only the watcher to react, got %+v", reactions)
	}
	if len(o.Calls) != 2 {
		t.Fatalf("skip must not abort the loop, want 2 calls got %d", len(o.Calls))
	}
}

func TestReactorPublicContextAccumulates(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{publicReaction, publicReaction}}
	r, _, _ := newTestReactor(t, o)

	if _, err := r.Run(context.Background(), farmView(), "我走向谷仓", "The barn door hangs open."); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := o.Calls[1].Req.Messages[0].Content
	if !strings.Contains(second, "The barn door hangs open.") {
		t.Fatal("base narrative missing from later prompts")
	}
	if !strings.Contains(second, "You should not be here.") {
		t.Fatal("earlier public reaction missing from later prompts")
	}
}

func TestReactorPrivateActionPerception(t *testing.T) {
	t.Parallel()

	// Caretaker (dexterity 70) acts first and covertly, stealth 80. The
	// watcher's perception roll is forced to 41: 41 ≤ investigate 70 and
	// 41 > 80/2, so the hint lands.
	o := &oraclemock.Oracle{Responses: []string{privateReaction, publicReaction}}
	r, _, _ := newTestReactor(t, o, 41)

	reactions, err := r.Run(context.Background(), farmView(), "input", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reactions[0].Visibility != VisibilityPrivate {
		t.Fatalf("want caretaker reaction private, got %q", reactions[0].Visibility)
	}
	watcherPrompt := o.Calls[1].Req.Messages[0].Content
	if !strings.Contains(watcherPrompt, "[you notice Caretaker seems to be slipping a key into his coat]") {
		t.Fatalf("watcher prompt missing perception hint:\n%s", watcherPrompt)
	}
	// The private action must not leak into the shared public context.
	if strings.Contains(watcherPrompt, "Scene so far:\n"+"input\n"+"Caretaker slipping") {
		t.Fatal("private action leaked into public context")
	}
}

func TestReactorStatusWriteThrough(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{
		`{"visibility":"public","dialogue":"","action":"bolts for the treeline","new_status":"fleeing","new_goal":"reach the chapel"}`,
		publicReaction,
	}}
	r, cat, shelf := newTestReactor(t, o)
	v := farmView()

	if _, err := r.Run(context.Background(), v, "input", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := v.Sheets["caretaker"].Status; got != "fleeing" {
		t.Fatalf("want cached status fleeing, got %q", got)
	}
	if got := v.Sheets["caretaker"].Goal; got != "reach the chapel" {
		t.Fatalf("want cached goal updated, got %q", got)
	}
	if len(cat.Updates) != 1 || cat.Updates[0].ID != "caretaker" || cat.Updates[0].Status != "fleeing" {
		t.Fatalf("want one catalog write-through for caretaker, got %+v", cat.Updates)
	}
	if _, ok := v.Sessions["caretaker"]; !ok {
		t.Fatal("reacting NPC session must be materialized")
	}
	for _, id := range []string{"caretaker", "watcher"} {
		if len(shelf.Shelves[id]) != 1 {
			t.Fatalf("want 1 memory entry for %s, got %d", id, len(shelf.Shelves[id]))
		}
	}
}

func TestReactorWriteThroughKeepsGoalOnEmptyNewGoal(t *testing.T) {
	t.Parallel()

	// An empty new_goal keeps the stored goal in the cached sheet; the
	// catalog write-through must carry that same goal instead of erasing it.
	o := &oraclemock.Oracle{Responses: []string{
		`{"visibility":"public","dialogue":"","action":"stiffens mid-rake","new_status":"uneasy","new_goal":""}`,
		publicReaction,
	}}
	r, cat, _ := newTestReactor(t, o)
	v := farmView()

	if _, err := r.Run(context.Background(), v, "input", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	const goal = "keep strangers away from the cellar"
	if got := v.Sheets["caretaker"].Goal; got != goal {
		t.Fatalf("want cached goal kept, got %q", got)
	}
	if len(cat.Updates) != 1 {
		t.Fatalf("want one catalog write-through, got %+v", cat.Updates)
	}
	if up := cat.Updates[0]; up.Status != "uneasy" || up.Goal != goal {
		t.Fatalf("want write-through status uneasy with the kept goal, got %+v", up)
	}
}

func TestReactorRecallFeedsPrompt(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{publicReaction}}
	r, _, shelf := newTestReactor(t, o)
	ctx := context.Background()
	if err := shelf.Remember(ctx, "caretaker", memEntry("the stranger asked about the cellar")); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	if _, err := r.Run(ctx, farmView(), "input", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(o.Calls[0].Req.Messages[0].Content, "the stranger asked about the cellar") {
		t.Fatal("recalled memory missing from prompt")
	}
}
