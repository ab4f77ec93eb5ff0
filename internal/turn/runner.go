package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/dice"
)

// startCommand is the player input that opens a fresh session.
const startCommand = "进入跑团"

// defaultOpeningNarration seeds a session with no history yet.
const defaultOpeningNarration = "Rain hammers the windshield as your car crests the hill. " +
	"Somewhere below, past the dead elms, a single light burns in a house that should be empty. " +
	"You are here because the letter asked you to come. What do you do?"

// moveRefusal is the reply for a move to a map the current one does not
// reach. Deterministic on purpose; the refusal is a rules outcome, not
// narration.
const moveRefusal = "You look for a way through, but there is no route from here. The path you had in mind is closed."

// Result is the outcome of one committed turn.
type Result struct {
	TurnID  string
	Reply   string
	History []state.HistoryEntry
}

// Runner drives the full turn pipeline: load, pending-check resolution,
// intent parsing, trigger evaluation, suspense latch, NPC reactor,
// synthesis, commit. One Runner serves all characters; turns for the same
// character are single-flight.
type Runner struct {
	loader    *Loader
	parser    *Parser
	evaluator *Evaluator
	resolver  *Resolver
	reactor   *Reactor
	synth     *Synthesizer
	states    *state.Store
	catalog   catalog.Store
	sink      DiceSink
	metrics   *observe.Metrics
	log       *slog.Logger

	opening string

	mu       sync.Mutex
	inflight map[string]bool
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithOpeningNarration overrides the reply for the session-start command.
func WithOpeningNarration(text string) RunnerOption {
	return func(r *Runner) {
		if text != "" {
			r.opening = text
		}
	}
}

// WithRunnerLogger overrides the logger.
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner wires the pipeline stages into a Runner.
func NewRunner(
	loader *Loader,
	parser *Parser,
	evaluator *Evaluator,
	resolver *Resolver,
	reactor *Reactor,
	synth *Synthesizer,
	states *state.Store,
	cat catalog.Store,
	sink DiceSink,
	m *observe.Metrics,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		loader:    loader,
		parser:    parser,
		evaluator: evaluator,
		resolver:  resolver,
		reactor:   reactor,
		synth:     synth,
		states:    states,
		catalog:   cat,
		sink:      sink,
		metrics:   m,
		log:       slog.Default(),
		opening:   defaultOpeningNarration,
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// begin acquires the per-character single-flight slot.
func (r *Runner) begin(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[playerID] {
		return fmt.Errorf("turn: %q: %w", playerID, keeper.ErrTurnInFlight)
	}
	r.inflight[playerID] = true
	return nil
}

func (r *Runner) end(playerID string) {
	r.mu.Lock()
	delete(r.inflight, playerID)
	r.mu.Unlock()
}

// stage runs f and records its latency under the stage name.
func (r *Runner) stage(ctx context.Context, name string, f func() error) error {
	start := time.Now()
	err := f()
	r.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", name)))
	return err
}

// Run executes one turn for playerID. A second concurrent call for the same
// character fails with [keeper.ErrTurnInFlight]. Nothing is written before
// the final commit; a failed turn leaves every store untouched.
func (r *Runner) Run(ctx context.Context, playerID, input string) (*Result, error) {
	if err := r.begin(playerID); err != nil {
		return nil, err
	}
	defer r.end(playerID)

	turnID := uuid.NewString()
	log := r.log.With("turn_id", turnID, "player", playerID)

	r.metrics.ActiveTurns.Add(ctx, 1)
	start := time.Now()
	outcome := "failed"
	defer func() {
		r.metrics.ActiveTurns.Add(ctx, -1)
		r.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("outcome", outcome)))
	}()

	var v *state.TurnView
	err := r.stage(ctx, "load", func() error {
		var err error
		v, err = r.loader.Load(ctx, playerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: load: %w", turnID, err)
	}

	if len(v.History) == 0 && strings.TrimSpace(input) == startCommand {
		log.Info("opening narration for fresh session")
		res, err := r.finish(ctx, v, turnID, input, r.opening, nil)
		if err == nil {
			outcome = "committed"
		}
		return res, err
	}

	events, err := r.catalog.EventsByMap(ctx, v.ActiveMapID)
	if err != nil {
		return nil, fmt.Errorf("turn %s: events for map %d: %w", turnID, v.ActiveMapID, err)
	}

	if pending := v.PlayerSession().PendingCheckEventID; pending != nil {
		res, err := r.resolvePending(ctx, v, turnID, input, *pending, events, log)
		if err == nil {
			outcome = "committed"
		}
		return res, err
	}

	var action Action
	_ = r.stage(ctx, "intent", func() error {
		action = r.parser.Parse(ctx, input, visibleNPCs(v), visibleObjects(v))
		return nil
	})
	log.Info("parsed action", "action", action.MarshalLog())

	var decision Decision
	err = r.stage(ctx, "trigger", func() error {
		var err error
		decision, err = r.evaluator.Evaluate(ctx, v, action, events)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: trigger: %w", turnID, err)
	}

	if decision.Kind == DecisionSuspend {
		ev := decision.Event
		v.SetPendingCheck(&ev.ID)
		log.Info("turn suspended on skill check", "event_id", ev.ID)
		// A suspended turn still owes the player a non-empty reply.
		suspense := ev.Effects.Outcomes.SuspenseNarrative
		if suspense == "" {
			suspense = ev.Info
		}
		if suspense == "" {
			suspense = fallbackNarration
		}
		res, err := r.finish(ctx, v, turnID, input, suspense, nil)
		if err == nil {
			outcome = "suspended"
		}
		return res, err
	}

	var (
		base    string
		touched []string
	)
	switch decision.Kind {
	case DecisionFire:
		ev := decision.Event
		log.Info("event fired", "event_id", ev.ID, "soft", decision.Soft)
		err = r.stage(ctx, "synth", func() error {
			var err error
			base, touched, err = r.synth.ApplyOutcome(ctx, v, ev.Effects.Outcomes.Branch(true), ev.SuccessResult)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("turn %s: apply event %d: %w", turnID, ev.ID, err)
		}
		v.CompleteEvent(ev.ID)

	default:
		if action.Intent == IntentUseSkill && len(action.SkillCheckRequest) > 0 {
			var checks []dice.Outcome
			err = r.stage(ctx, "check", func() error {
				for _, skill := range action.SkillCheckRequest {
					out, err := r.resolver.ResolveAdHoc(ctx, v, playerID, skill)
					if err != nil {
						return err
					}
					checks = append(checks, out)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("turn %s: ad-hoc check: %w", turnID, err)
			}
			base = r.synth.Narrate(ctx, v, checkedInput(input, checks), action)
		} else {
			base = r.synth.Narrate(ctx, v, input, action)
		}
	}

	// Move validation runs after event effects so an edge removed this turn
	// already blocks the route.
	if action.Intent == IntentMove {
		if m := v.ActiveMap(); m == nil || !m.Accessible(action.TargetLocationID) {
			log.Info("move rejected", "target_map", action.TargetLocationID)
			base = moveRefusal
			action.Intent = IntentUnknown // suppress the relocation below
		}
	}

	var reactions []Reaction
	err = r.stage(ctx, "react", func() error {
		var err error
		reactions, err = r.reactor.Run(ctx, v, input, base)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: reactor: %w", turnID, err)
	}
	for _, react := range reactions {
		touched = append(touched, react.NPCID)
	}

	reply := r.synth.Compose(v, base, reactions)

	if action.Intent == IntentMove {
		if err := v.MovePlayer(ctx, action.TargetLocationID); err != nil {
			return nil, fmt.Errorf("turn %s: move to map %d: %w", turnID, action.TargetLocationID, err)
		}
		log.Info("player moved", "map_id", action.TargetLocationID)
	}

	res, err := r.finish(ctx, v, turnID, input, reply, touched)
	if err == nil {
		outcome = "committed"
	}
	return res, err
}

// resolvePending rolls the check the previous turn latched, applies the
// matching outcome branch, and runs the rest of the turn. The player's input
// this turn is only conversational; the pending event drives the outcome.
func (r *Runner) resolvePending(ctx context.Context, v *state.TurnView, turnID, input string, eventID int, events []catalog.Event, log *slog.Logger) (*Result, error) {
	ev := eventByID(events, eventID)
	if ev == nil {
		return nil, fmt.Errorf("turn %s: pending event %d not in map %d catalog: %w",
			turnID, eventID, v.ActiveMapID, keeper.ErrEntityMissing)
	}

	var out dice.Outcome
	err := r.stage(ctx, "check", func() error {
		var err error
		out, err = r.resolver.ResolveEvent(ctx, v, ev)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: resolve event %d: %w", turnID, eventID, err)
	}
	log.Info("pending check resolved", "event_id", eventID, "roll", out.Roll, "success", out.Success)

	base := ev.SuccessResult
	if !out.Success {
		base = ev.FailResult
	}
	var (
		narrative string
		touched   []string
	)
	err = r.stage(ctx, "synth", func() error {
		var err error
		narrative, touched, err = r.synth.ApplyOutcome(ctx, v, ev.Effects.Outcomes.Branch(out.Success), base)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: apply event %d: %w", turnID, eventID, err)
	}
	v.CompleteEvent(eventID)
	v.SetPendingCheck(nil)

	var reactions []Reaction
	err = r.stage(ctx, "react", func() error {
		var err error
		reactions, err = r.reactor.Run(ctx, v, input, narrative)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: reactor: %w", turnID, err)
	}
	for _, react := range reactions {
		touched = append(touched, react.NPCID)
	}

	reply := r.synth.Compose(v, narrative, reactions)
	return r.finish(ctx, v, turnID, input, reply, touched)
}

// finish appends the turn's history pair, commits the working set, and
// broadcasts state refreshes for touched characters. Runs for every turn
// that reaches a reply, including suspended ones.
func (r *Runner) finish(ctx context.Context, v *state.TurnView, turnID, input, reply string, touched []string) (*Result, error) {
	v.AppendTurnHistory(input, reply)

	err := r.stage(ctx, "commit", func() error {
		return r.states.Commit(ctx, v)
	})
	if err != nil {
		return nil, fmt.Errorf("turn %s: commit: %w", turnID, err)
	}

	if ids := dedupe(touched); len(ids) > 0 {
		r.sink.PublishStateRefresh(ids)
	}
	return &Result{TurnID: turnID, Reply: reply, History: v.History}, nil
}

func eventByID(events []catalog.Event, id int) *catalog.Event {
	for i := range events {
		if events[i].ID == id {
			return &events[i]
		}
	}
	return nil
}

func visibleNPCs(v *state.TurnView) []VisibleEntity {
	m := v.ActiveMap()
	if m == nil {
		return nil
	}
	out := make([]VisibleEntity, 0, len(m.NPCs))
	for _, id := range m.NPCs {
		name := id
		if sheet, ok := v.Sheets[id]; ok {
			name = sheet.Name
		}
		out = append(out, VisibleEntity{ID: id, Name: name})
	}
	return out
}

func visibleObjects(v *state.TurnView) []VisibleEntity {
	m := v.ActiveMap()
	if m == nil {
		return nil
	}
	out := make([]VisibleEntity, 0, len(m.Objects))
	for id, obj := range m.Objects {
		out = append(out, VisibleEntity{ID: id, Name: obj.Name})
	}
	return out
}

// checkedInput folds ad-hoc check results into the narration input so the
// oracle narrates what the dice decided instead of deciding itself.
func checkedInput(input string, checks []dice.Outcome) string {
	var b strings.Builder
	b.WriteString(input)
	for _, out := range checks {
		b.WriteString("\n[dice: ")
		b.WriteString(out.String())
		b.WriteString("]")
	}
	return b.String()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
