package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
)

// DecisionKind is what the trigger evaluator decided for this turn.
type DecisionKind int

const (
	// DecisionNone means no event fires; the turn is pure narration.
	DecisionNone DecisionKind = iota

	// DecisionFire means the event's outcome applies this turn.
	DecisionFire

	// DecisionSuspend means the event is gated by a skill check: only its
	// suspense narrative is emitted and the check resolves next turn.
	DecisionSuspend
)

// Decision is the evaluator's verdict.
type Decision struct {
	Kind  DecisionKind
	Event *catalog.Event

	// Soft is true when the event was admitted by the semantic fallback
	// rather than hard precondition matching.
	Soft bool
}

const softMatchSystemPrompt = `You are the event matcher of a Call of Cthulhu game engine.
Given the player's action and a list of candidate scripted events, judge whether the
action semantically triggers one of them. Respond with a single JSON object:
{"should_trigger": true|false, "event_id": 0, "confidence": "high"|"medium"|"low"}
Only report a trigger you are confident about. When in doubt, answer false.`

// Evaluator selects at most one event to fire per turn.
type Evaluator struct {
	oracle  oracle.Oracle
	metrics *observe.Metrics
	log     *slog.Logger
	timeout time.Duration
}

// EvaluatorOption configures an [Evaluator].
type EvaluatorOption func(*Evaluator)

// WithEvaluatorTimeout overrides the soft-matcher oracle deadline.
func WithEvaluatorTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = d }
}

// WithEvaluatorLogger overrides the logger.
func WithEvaluatorLogger(log *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.log = log }
}

// NewEvaluator creates an Evaluator over the given oracle.
func NewEvaluator(o oracle.Oracle, m *observe.Metrics, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		oracle:  o,
		metrics: m,
		log:     slog.Default(),
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs hard gating over the current map's events in catalog order
// and, when nothing matches, the soft semantic fallback. Hard gating is
// deterministic given the snapshots in v; the soft fallback is bounded by
// confidence gating.
func (e *Evaluator) Evaluate(ctx context.Context, v *state.TurnView, action Action, events []catalog.Event) (Decision, error) {
	var candidates []catalog.Event
	for _, ev := range events {
		if !e.available(v, &ev) {
			continue
		}
		candidates = append(candidates, ev)
	}

	for i := range candidates {
		ev := &candidates[i]
		ok, err := matchPreconditions(v, action, ev.Preconditions)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			e.metrics.RecordEventFired(ctx, "hard")
			return decide(ev, false), nil
		}
	}

	return e.softMatch(ctx, v, action, candidates)
}

// available applies the gates that hold regardless of match mode:
// topological prerequisites and uniqueness.
func (e *Evaluator) available(v *state.TurnView, ev *catalog.Event) bool {
	for _, pre := range ev.PreEventIDs {
		if !v.HasCompleted(pre) {
			return false
		}
	}
	if ev.Unique && v.HasCompleted(ev.ID) {
		return false
	}
	return true
}

func decide(ev *catalog.Event, soft bool) Decision {
	kind := DecisionFire
	if ev.RequiresCheck() {
		kind = DecisionSuspend
	}
	return Decision{Kind: kind, Event: ev, Soft: soft}
}

// matchPreconditions compares an event's structured precondition
// field-by-field against the parsed action and the relevant session
// snapshot. A nil precondition is no constraint.
func matchPreconditions(v *state.TurnView, action Action, pc *catalog.Precondition) (bool, error) {
	if pc == nil {
		return true, nil
	}
	for key, want := range pc.PlayerAction {
		got, ok := action.Field(key)
		if !ok || !looseEqual(want, got) {
			return false, nil
		}
	}
	if len(pc.State) > 0 {
		agentID := pc.AgentID
		if agentID == "" {
			agentID = v.PlayerID
		}
		sess, err := v.Session(agentID)
		if err != nil {
			return false, fmt.Errorf("turn: precondition session %q: %w", agentID, err)
		}
		for key, want := range pc.State {
			got, ok := sess.Field(key)
			if !ok || !looseEqual(want, got) {
				return false, nil
			}
		}
	}
	return true, nil
}

// looseEqual compares a JSON-decoded precondition value against an in-memory
// one: numbers compare as float64, strings case-insensitively, and a list
// precondition matches when every wanted element is present.
func looseEqual(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && strings.EqualFold(w, g)
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case nil:
		return got == nil
	case []any:
		return containsAll(w, got)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsAll(want []any, got any) bool {
	var items []any
	switch g := got.(type) {
	case []any:
		items = g
	case []string:
		for _, s := range g {
			items = append(items, s)
		}
	default:
		return false
	}
	for _, w := range want {
		found := false
		for _, item := range items {
			if looseEqual(w, item) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// softWire is the JSON shape the soft matcher must return.
type softWire struct {
	ShouldTrigger bool   `json:"should_trigger"`
	EventID       int    `json:"event_id"`
	Confidence    string `json:"confidence"`
}

// softMatch asks the oracle for a semantic judgment over the surviving
// candidates. Only high or medium confidence admits an event; every failure
// mode degrades to DecisionNone.
func (e *Evaluator) softMatch(ctx context.Context, v *state.TurnView, action Action, candidates []catalog.Event) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{Kind: DecisionNone}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	raw, err := e.oracle.Generate(ctx, oracle.Request{
		SystemPrompt: softMatchSystemPrompt,
		Messages: []oracle.Message{
			{Role: "user", Content: softMatchPrompt(v, action, candidates)},
		},
		ForceJSON:   true,
		Temperature: 0.1,
	})
	e.metrics.RecordOracleDuration(ctx, "soft_match", time.Since(start))
	if err != nil {
		e.metrics.RecordOracleError(ctx, "soft_match", "call")
		e.log.Warn("trigger: soft matcher call failed", "error", err)
		return Decision{Kind: DecisionNone}, nil
	}

	var w softWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		e.metrics.RecordOracleError(ctx, "soft_match", "parse")
		e.log.Warn("trigger: unparseable soft matcher response", "error", err)
		return Decision{Kind: DecisionNone}, nil
	}
	if !w.ShouldTrigger {
		return Decision{Kind: DecisionNone}, nil
	}
	if w.Confidence != "high" && w.Confidence != "medium" {
		return Decision{Kind: DecisionNone}, nil
	}
	for i := range candidates {
		if candidates[i].ID == w.EventID {
			e.metrics.RecordEventFired(ctx, "soft")
			return decide(&candidates[i], true), nil
		}
	}
	e.log.Warn("trigger: soft matcher picked unknown event", "event_id", w.EventID)
	return Decision{Kind: DecisionNone}, nil
}

func softMatchPrompt(v *state.TurnView, action Action, candidates []catalog.Event) string {
	var b strings.Builder
	b.WriteString("Player action: ")
	b.WriteString(action.MarshalLog())
	sess := v.PlayerSession()
	if sess != nil {
		fmt.Fprintf(&b, "\nPlayer state: map %d, hp %d, sanity %d, mp %d",
			sess.CurrentMapID, sess.HP, sess.Sanity, sess.MP)
	}
	b.WriteString("\nCandidate events:")
	for _, ev := range candidates {
		fmt.Fprintf(&b, "\n- id %d: %s", ev.ID, ev.Info)
	}
	return b.String()
}
