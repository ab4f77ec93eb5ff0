package turn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	catalogmock "github.com/arkhamlabs/keeperd/internal/catalog/mock"
	"github.com/arkhamlabs/keeperd/internal/keeper"
	"github.com/arkhamlabs/keeperd/internal/state"
	statemock "github.com/arkhamlabs/keeperd/internal/state/mock"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	memorymock "github.com/arkhamlabs/keeperd/pkg/memory/mock"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
	oraclemock "github.com/arkhamlabs/keeperd/pkg/oracle/mock"
)

type rig struct {
	runner *Runner
	kv     *statemock.KV
	states *state.Store
	cat    *catalogmock.Store
	oracle *oraclemock.Oracle
	sink   *sinkRecorder
	shelf  *memorymock.Store
}

func newRig(t *testing.T, o *oraclemock.Oracle, rolls ...int) *rig {
	t.Helper()
	m := testMetrics(t)
	kv := statemock.NewKV()
	states := state.NewStore(kv)
	cat := seededCatalog()
	roller := dice.NewRoller(dice.WithRolls(rolls...))
	sink := &sinkRecorder{}
	shelf := memorymock.New()
	runner := NewRunner(
		NewLoader(states, cat),
		NewParser(o, m),
		NewEvaluator(o, m),
		NewResolver(roller, sink, m),
		NewReactor(o, roller, shelf, cat, m),
		NewSynthesizer(o, roller, cat, m),
		states, cat, sink, m,
	)
	return &rig{runner: runner, kv: kv, states: states, cat: cat, oracle: o, sink: sink, shelf: shelf}
}

// keeperOracle scripts every oracle role a full turn exercises, keyed off
// the stage system prompts.
func keeperOracle(intent, soft, narration string) *oraclemock.Oracle {
	return &oraclemock.Oracle{RespondFunc: func(req oracle.Request) (string, error) {
		sys := req.SystemPrompt
		switch {
		case strings.Contains(sys, "action parser"):
			return intent, nil
		case strings.Contains(sys, "event matcher"):
			return soft, nil
		case strings.Contains(sys, "You play one NPC"):
			return publicReaction, nil
		default:
			return narration, nil
		}
	}}
}

const (
	noIntent  = `{"intent":"inspect","target":"","topic":"","target_location_id":0,"skill_check_request":[]}`
	noTrigger = `{"should_trigger":false}`
)

func TestRunOpeningNarration(t *testing.T) {
	t.Parallel()

	r := newRig(t, &oraclemock.Oracle{})
	res, err := r.runner.Run(context.Background(), "amelia", startCommand)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != defaultOpeningNarration {
		t.Fatalf("want opening narration, got %q", res.Reply)
	}
	if len(r.oracle.Calls) != 0 {
		t.Fatalf("opening turn must not consult the oracle, got %d calls", len(r.oracle.Calls))
	}

	h, err := r.states.History(context.Background(), "amelia")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 || h[0].Role != "player" || h[1].Role != "keeper" {
		t.Fatalf("want committed player/keeper pair, got %+v", h)
	}
	if !r.kv.Has("character_sheet:amelia") {
		t.Fatal("seeded sheet copy must be committed")
	}
}

func TestRunIdleTurn(t *testing.T) {
	t.Parallel()

	r := newRig(t, keeperOracle(noIntent, noTrigger, "Dust motes drift in the lamplight."))
	res, err := r.runner.Run(context.Background(), "amelia", "我四处看看")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Reply, "Dust motes drift in the lamplight.") {
		t.Fatalf("want atmospheric narration in reply, got %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "You should not be here.") {
		t.Fatalf("want NPC reactions appended, got %q", res.Reply)
	}

	done, err := r.states.CompletedEvents(context.Background(), "amelia")
	if err != nil {
		t.Fatalf("CompletedEvents: %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("idle turn must not complete events, got %v", done)
	}
	if r.sink.checkCount() != 0 {
		t.Fatalf("idle turn must not roll dice, got %d checks", r.sink.checkCount())
	}
}

func TestRunEventWithoutCheck(t *testing.T) {
	t.Parallel()

	intent := `{"intent":"use_skill","target":"","topic":"","target_location_id":0,"skill_check_request":["intelligence"]}`
	r := newRig(t, keeperOracle(intent, noTrigger, "unused"))
	ctx := context.Background()

	res, err := r.runner.Run(ctx, "amelia", "我要尝试回忆附近有什么地方")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Reply, "You recall the chapel past the dead elms.") {
		t.Fatalf("want event 5 result text, got %q", res.Reply)
	}

	done, err := r.states.CompletedEvents(ctx, "amelia")
	if err != nil {
		t.Fatalf("CompletedEvents: %v", err)
	}
	if len(done) != 1 || done[0] != 5 {
		t.Fatalf("want completed [5], got %v", done)
	}
	if r.sink.checkCount() != 0 {
		t.Fatal("a fired event claims the turn, no ad-hoc check may roll")
	}

	// Unique: the same input again must not refire the event.
	if _, err := r.runner.Run(ctx, "amelia", "我要尝试回忆附近有什么地方"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	done, _ = r.states.CompletedEvents(ctx, "amelia")
	if len(done) != 1 {
		t.Fatalf("unique event refired, completed %v", done)
	}
}

func TestRunCheckedEventSuccessPath(t *testing.T) {
	t.Parallel()

	intent := `{"intent":"use","target":"car","topic":"","target_location_id":0,"skill_check_request":[]}`
	r := newRig(t, keeperOracle(intent, noTrigger, "unused"), 20)
	ctx := context.Background()
	if err := r.states.SaveSession(ctx, &state.SessionState{
		CharacterID: "amelia", HP: 12, Sanity: 55, MP: 11, CurrentMapID: 2,
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	res, err := r.runner.Run(ctx, "amelia", "我踩下油门冲过去")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if res.Reply != "The engine screams as you aim for the gap." {
		t.Fatalf("want suspense narrative only, got %q", res.Reply)
	}
	sess, err := r.states.Session(ctx, "amelia")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.PendingCheckEventID == nil || *sess.PendingCheckEventID != 7 {
		t.Fatalf("want pending check 7 latched, got %v", sess.PendingCheckEventID)
	}
	if r.sink.checkCount() != 0 {
		t.Fatal("suspense turn must not roll yet")
	}

	res, err = r.runner.Run(ctx, "amelia", "然后呢?")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(res.Reply, "You punch through in a shower of splinters.") {
		t.Fatalf("want success branch text, got %q", res.Reply)
	}

	sess, _ = r.states.Session(ctx, "amelia")
	if sess.PendingCheckEventID != nil {
		t.Fatalf("latch must clear after resolution, got %v", *sess.PendingCheckEventID)
	}
	if sess.HP != 12 {
		t.Fatalf("success branch must not cost hp, got %d", sess.HP)
	}
	done, _ := r.states.CompletedEvents(ctx, "amelia")
	if len(done) != 1 || done[0] != 7 {
		t.Fatalf("want completed [7], got %v", done)
	}
	if r.sink.checkCount() != 1 {
		t.Fatalf("want 1 resolved check, got %d", r.sink.checkCount())
	}
	out := r.sink.checks[0]
	if out.Roll != 20 || out.Threshold != 30 || !out.Success {
		t.Fatalf("drive 60 hard, roll 20: want success at threshold 30, got %+v", out)
	}
}

func TestRunCheckedEventFailurePath(t *testing.T) {
	t.Parallel()

	intent := `{"intent":"use","target":"car","topic":"","target_location_id":0,"skill_check_request":[]}`
	r := newRig(t, keeperOracle(intent, noTrigger, "unused"), 80)
	ctx := context.Background()
	if err := r.states.SaveSession(ctx, &state.SessionState{
		CharacterID: "amelia", HP: 12, Sanity: 55, MP: 11, CurrentMapID: 2,
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if _, err := r.runner.Run(ctx, "amelia", "我踩下油门冲过去"); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	res, err := r.runner.Run(ctx, "amelia", "怎么样了?")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(res.Reply, "The car clips the barricade") {
		t.Fatalf("want failure branch text, got %q", res.Reply)
	}

	sess, _ := r.states.Session(ctx, "amelia")
	if sess.HP != 10 {
		t.Fatalf("failure branch costs 2 hp: want 10, got %d", sess.HP)
	}
	done, _ := r.states.CompletedEvents(ctx, "amelia")
	if len(done) != 1 || done[0] != 7 {
		t.Fatalf("failed checks still complete the event, got %v", done)
	}

	refreshed := false
	for _, ids := range r.sink.refreshes {
		for _, id := range ids {
			if id == "amelia" {
				refreshed = true
			}
		}
	}
	if !refreshed {
		t.Fatal("want a state refresh frame for amelia")
	}
}

func TestRunSuspendedTurnReplyNeverEmpty(t *testing.T) {
	t.Parallel()

	// A check-gated event without a suspense narrative still owes the player
	// a reply; the event info stands in.
	intent := `{"intent":"use","target":"lantern","topic":"","target_location_id":0,"skill_check_request":[]}`
	r := newRig(t, keeperOracle(intent, noTrigger, "unused"))
	r.cat.AddEvent(catalog.Event{
		ID: 11, MapID: 1, Info: "steadying the lantern over the well",
		TestRequiredID: catalog.AttrDexterity,
		Preconditions: &catalog.Precondition{
			PlayerAction: map[string]any{"intent": "use", "target": "lantern"},
		},
		Effects: catalog.Effects{Outcomes: catalog.Outcomes{
			Success: &catalog.OutcomeBlock{},
			Failure: &catalog.OutcomeBlock{},
		}},
		SuccessResult: "The light holds steady.",
		FailResult:    "The lantern gutters out.",
	})
	ctx := context.Background()

	res, err := r.runner.Run(ctx, "amelia", "我举起提灯")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "steadying the lantern over the well" {
		t.Fatalf("want event info as the suspense reply, got %q", res.Reply)
	}
	sess, err := r.states.Session(ctx, "amelia")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.PendingCheckEventID == nil || *sess.PendingCheckEventID != 11 {
		t.Fatalf("want pending check 11 latched, got %v", sess.PendingCheckEventID)
	}
}

func TestRunMapAccessibilityMutation(t *testing.T) {
	t.Parallel()

	open := `{"intent":"use","target":"iron_box","topic":"","target_location_id":0,"skill_check_request":[]}`
	moveCellar := `{"intent":"move","target":"","topic":"","target_location_id":3,"skill_check_request":[]}`
	moveRoad := `{"intent":"move","target":"","topic":"","target_location_id":2,"skill_check_request":[]}`

	responses := []string{open}
	o := keeperOracle("", noTrigger, "You set off.")
	o.RespondFunc = func(req oracle.Request) (string, error) {
		sys := req.SystemPrompt
		switch {
		case strings.Contains(sys, "action parser"):
			next := responses[0]
			if len(responses) > 1 {
				responses = responses[1:]
			}
			return next, nil
		case strings.Contains(sys, "event matcher"):
			return noTrigger, nil
		case strings.Contains(sys, "You play one NPC"):
			return publicReaction, nil
		default:
			return "You set off.", nil
		}
	}
	r := newRig(t, o)
	ctx := context.Background()

	res, err := r.runner.Run(ctx, "amelia", "我打开铁盒")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if !strings.Contains(res.Reply, "a bolt slides shut") {
		t.Fatalf("want event 9 narrative, got %q", res.Reply)
	}
	m, err := r.states.MapState(ctx, 1)
	if err != nil {
		t.Fatalf("MapState: %v", err)
	}
	if m.Accessible(3) {
		t.Fatal("edge 1->3 must be removed after the event")
	}

	responses = []string{moveCellar, moveRoad}
	res, err = r.runner.Run(ctx, "amelia", "我下到地窖")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(res.Reply, "no route from here") {
		t.Fatalf("want move refusal, got %q", res.Reply)
	}
	sess, _ := r.states.Session(ctx, "amelia")
	if sess.CurrentMapID != 1 {
		t.Fatalf("rejected move must not relocate, got map %d", sess.CurrentMapID)
	}

	res, err = r.runner.Run(ctx, "amelia", "我沿着路走")
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	sess, _ = r.states.Session(ctx, "amelia")
	if sess.CurrentMapID != 2 {
		t.Fatalf("accessible move must relocate to map 2, got %d", sess.CurrentMapID)
	}
}

func TestRunPrivateReactionPerception(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{RespondFunc: func(req oracle.Request) (string, error) {
		sys := req.SystemPrompt
		switch {
		case strings.Contains(sys, "action parser"):
			return noIntent, nil
		case strings.Contains(sys, "event matcher"):
			return noTrigger, nil
		case strings.Contains(sys, "You play one NPC"):
			if strings.Contains(req.Messages[0].Content, "You are Caretaker") {
				return privateReaction, nil
			}
			return publicReaction, nil
		default:
			return "The porch boards creak.", nil
		}
	}}
	// Roll 41 for the watcher's perception (41 ≤ 70, 41 > 80/2), then 50
	// for the player (50 > investigate 20).
	r := newRig(t, o, 41, 50)

	res, err := r.runner.Run(context.Background(), "amelia", "我四处看看")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var watcherPrompt string
	for _, call := range o.Calls {
		if strings.Contains(call.Req.SystemPrompt, "You play one NPC") &&
			strings.Contains(call.Req.Messages[0].Content, "You are Watcher") {
			watcherPrompt = call.Req.Messages[0].Content
		}
	}
	if !strings.Contains(watcherPrompt, "[you notice Caretaker seems to be slipping a key into his coat]") {
		t.Fatalf("watcher must perceive the covert action:\n%s", watcherPrompt)
	}
	if strings.Contains(res.Reply, "You notice") {
		t.Fatalf("player with investigate 20 must miss the covert action: %q", res.Reply)
	}
	if strings.Contains(res.Reply, "slipping a key") {
		t.Fatalf("covert action text leaked into the reply: %q", res.Reply)
	}
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	r := newRig(t, keeperOracle(noIntent, noTrigger, "quiet"))
	if err := r.runner.begin("amelia"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer r.runner.end("amelia")

	_, err := r.runner.Run(context.Background(), "amelia", "我四处看看")
	if !errors.Is(err, keeper.ErrTurnInFlight) {
		t.Fatalf("want ErrTurnInFlight, got %v", err)
	}
}

func TestRunAdHocSkillCheck(t *testing.T) {
	t.Parallel()

	intent := `{"intent":"use_skill","target":"","topic":"","target_location_id":0,"skill_check_request":["drive"]}`
	r := newRig(t, keeperOracle(intent, noTrigger, "You rehearse the route in your head."), 15)
	ctx := context.Background()
	if err := r.states.SaveSession(ctx, &state.SessionState{
		CharacterID: "amelia", HP: 12, Sanity: 55, MP: 11, CurrentMapID: 2,
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	res, err := r.runner.Run(ctx, "amelia", "我试试我的驾驶技术")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.sink.checkCount() != 1 {
		t.Fatalf("want 1 ad-hoc check, got %d", r.sink.checkCount())
	}
	out := r.sink.checks[0]
	if out.Skill != "drive" || out.Difficulty != dice.Regular || !out.Success {
		t.Fatalf("ad-hoc checks roll regular: got %+v", out)
	}
	if !strings.Contains(res.Reply, "You rehearse the route") {
		t.Fatalf("want narration folded around the check, got %q", res.Reply)
	}
}
