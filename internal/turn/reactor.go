package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	"github.com/arkhamlabs/keeperd/pkg/memory"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
)

// Reaction visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Reaction is one NPC's response to the turn.
type Reaction struct {
	NPCID      string `json:"npc_id"`
	NPCName    string `json:"npc_name"`
	Visibility string `json:"visibility"`
	Dialogue   string `json:"dialogue"`
	Action     string `json:"action"`
	NewStatus  string `json:"new_status"`
	NewGoal    string `json:"new_goal"`
}

// Text renders the reaction as narration.
func (r *Reaction) Text() string {
	switch {
	case r.Dialogue != "" && r.Action != "":
		return fmt.Sprintf("%s %s \"%s\"", r.NPCName, r.Action, r.Dialogue)
	case r.Dialogue != "":
		return fmt.Sprintf("%s says: \"%s\"", r.NPCName, r.Dialogue)
	default:
		return fmt.Sprintf("%s %s", r.NPCName, r.Action)
	}
}

const reactionSystemPrompt = `You play one NPC in a Call of Cthulhu scenario. Stay in character.
Given the scene context, decide how the NPC reacts this turn.
Respond with a single JSON object:
{"visibility": "public"|"private", "dialogue": "...", "action": "...", "new_status": "...", "new_goal": "..."}
"private" means the NPC acts covertly; other characters need a perception
check to notice. Leave "new_status" and "new_goal" empty to keep the current ones.`

// Reactor runs the NPC loop: every NPC on the active map reacts in
// dexterity order, seeing the public context as it stands when its turn
// arrives plus whatever private actions it perceived.
type Reactor struct {
	oracle  oracle.Oracle
	roller  *dice.Roller
	shelf   memory.Store
	catalog catalog.Store
	metrics *observe.Metrics
	log     *slog.Logger
	timeout time.Duration
}

// ReactorOption configures a [Reactor].
type ReactorOption func(*Reactor)

// WithReactorTimeout overrides the per-NPC oracle deadline.
func WithReactorTimeout(d time.Duration) ReactorOption {
	return func(r *Reactor) { r.timeout = d }
}

// WithReactorLogger overrides the logger.
func WithReactorLogger(log *slog.Logger) ReactorOption {
	return func(r *Reactor) { r.log = log }
}

// NewReactor creates a Reactor. cat is used for the NPC status/goal
// write-through, shelf for the per-NPC observation memory.
func NewReactor(o oracle.Oracle, roller *dice.Roller, shelf memory.Store, cat catalog.Store, m *observe.Metrics, opts ...ReactorOption) *Reactor {
	r := &Reactor{
		oracle:  o,
		roller:  roller,
		shelf:   shelf,
		catalog: cat,
		metrics: m,
		log:     slog.Default(),
		timeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// reactionWire is the JSON shape the oracle must return.
type reactionWire struct {
	Visibility string `json:"visibility"`
	Dialogue   string `json:"dialogue"`
	Action     string `json:"action"`
	NewStatus  string `json:"new_status"`
	NewGoal    string `json:"new_goal"`
}

// Run executes the reactor loop over the active map's NPCs. NPCs are
// processed strictly sequentially; an unparseable oracle response skips that
// NPC and the loop continues. Returns reactions in loop order.
func (r *Reactor) Run(ctx context.Context, v *state.TurnView, playerInput, baseNarrative string) ([]Reaction, error) {
	m := v.ActiveMap()
	if m == nil || len(m.NPCs) == 0 {
		return nil, nil
	}

	actors, err := orderActors(v, m.NPCs)
	if err != nil {
		return nil, err
	}

	publicContext := playerInput
	if baseNarrative != "" {
		publicContext += "\n" + baseNarrative
	}

	var (
		reactions []Reaction
		private   []Reaction
	)
	for _, sheet := range actors {
		hints := r.perceptionHints(sheet, v, private)

		react, ok := r.reactOne(ctx, v, sheet, publicContext, hints)
		if !ok {
			continue
		}
		reactions = append(reactions, react)
		r.metrics.RecordNPCReaction(ctx, react.Visibility)

		if react.Visibility == VisibilityPublic {
			publicContext += "\n" + react.Text()
		} else {
			private = append(private, react)
		}

		r.record(ctx, sheet.ID, publicContext, hints, react)
	}
	return reactions, nil
}

// orderActors resolves the NPC sheets and sorts them by dexterity
// descending, ties by character id. A listed NPC without a loaded sheet
// violates the map invariant.
func orderActors(v *state.TurnView, npcIDs []string) ([]*catalog.Sheet, error) {
	actors := make([]*catalog.Sheet, 0, len(npcIDs))
	for _, id := range npcIDs {
		sheet, ok := v.Sheets[id]
		if !ok {
			return nil, fmt.Errorf("turn: npc %q listed on map but has no sheet: %w", id, keeper.ErrEntityMissing)
		}
		actors = append(actors, sheet)
	}
	sort.SliceStable(actors, func(i, j int) bool {
		di, _ := actors[i].Value("dexterity")
		dj, _ := actors[j].Value("dexterity")
		if di != dj {
			return di > dj
		}
		return actors[i].ID < actors[j].ID
	})
	return actors, nil
}

// perceptionHints rolls one perception check per earlier private action:
// the observer notices iff roll ≤ observer.investigate and roll is above
// half the actor's stealth.
func (r *Reactor) perceptionHints(observer *catalog.Sheet, v *state.TurnView, private []Reaction) []string {
	var hints []string
	investigate, _ := observer.Value("investigate")
	for _, p := range private {
		if p.NPCID == observer.ID {
			continue
		}
		var stealth int
		if actor, ok := v.Sheets[p.NPCID]; ok {
			stealth, _ = actor.Value("stealth")
		}
		roll := r.roller.D100()
		if roll <= investigate && roll > stealth/2 {
			hints = append(hints, fmt.Sprintf("[you notice %s seems to be %s]", p.NPCName, p.Action))
		}
	}
	return hints
}

func (r *Reactor) reactOne(ctx context.Context, v *state.TurnView, sheet *catalog.Sheet, publicContext string, hints []string) (Reaction, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	raw, err := r.oracle.Generate(ctx, oracle.Request{
		SystemPrompt: reactionSystemPrompt,
		Messages: []oracle.Message{
			{Role: "user", Content: r.npcPrompt(ctx, sheet, publicContext, hints)},
		},
		ForceJSON: true,
	})
	r.metrics.RecordOracleDuration(ctx, "reaction", time.Since(start))
	if err != nil {
		r.metrics.RecordOracleError(ctx, "reaction", "call")
		r.log.Warn("reactor: oracle call failed, skipping npc", "npc", sheet.ID, "error", err)
		return Reaction{}, false
	}

	var w reactionWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		r.metrics.RecordOracleError(ctx, "reaction", "parse")
		r.log.Warn("reactor: unparseable reaction, skipping npc", "npc", sheet.ID, "error", err)
		return Reaction{}, false
	}
	if w.Visibility != VisibilityPublic && w.Visibility != VisibilityPrivate {
		w.Visibility = VisibilityPublic
	}

	// Lazy session materialization keeps the NPC's pools trackable from
	// here on.
	if _, err := v.Session(sheet.ID); err != nil {
		r.log.Warn("reactor: session materialization failed", "npc", sheet.ID, "error", err)
	}

	if w.NewStatus != "" {
		if err := v.SetNPCStatus(sheet.ID, w.NewStatus, w.NewGoal); err != nil {
			r.log.Warn("reactor: status update failed", "npc", sheet.ID, "error", err)
		} else if err := r.catalog.UpdateNPCState(ctx, sheet.ID, sheet.Status, sheet.Goal); err != nil {
			// The sheet holds the effective values: an empty new_goal kept
			// the old one, and the catalog row must not diverge from it.
			r.log.Warn("reactor: status write-through failed", "npc", sheet.ID, "error", err)
		}
	}

	return Reaction{
		NPCID:      sheet.ID,
		NPCName:    sheet.Name,
		Visibility: w.Visibility,
		Dialogue:   w.Dialogue,
		Action:     w.Action,
		NewStatus:  w.NewStatus,
		NewGoal:    w.NewGoal,
	}, true
}

func (r *Reactor) npcPrompt(ctx context.Context, sheet *catalog.Sheet, publicContext string, hints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", sheet.Name)
	if sheet.Profession != "" {
		fmt.Fprintf(&b, ", a %s", sheet.Profession)
	}
	b.WriteString(".")
	if sheet.Status != "" {
		fmt.Fprintf(&b, "\nCurrent status: %s", sheet.Status)
	}
	if sheet.Goal != "" {
		fmt.Fprintf(&b, "\nCurrent goal: %s", sheet.Goal)
	}
	if len(sheet.Background) > 0 {
		fmt.Fprintf(&b, "\nBackground: %s", strings.Join(sheet.Background, "; "))
	}

	if recalled, err := r.shelf.Recall(ctx, sheet.ID, 0); err == nil && len(recalled) > 0 {
		b.WriteString("\nYou remember:")
		for _, e := range recalled {
			fmt.Fprintf(&b, "\n- %s", e.Content)
		}
	}

	b.WriteString("\n\nScene so far:\n")
	b.WriteString(publicContext)
	for _, h := range hints {
		b.WriteString("\n")
		b.WriteString(h)
	}
	return b.String()
}

// record writes the NPC's observation and its own reaction to the memory
// shelf. Shelf failures are logged, never fatal to the turn.
func (r *Reactor) record(ctx context.Context, npcID, publicContext string, hints []string, react Reaction) {
	observation := publicContext
	if len(hints) > 0 {
		observation += "\n" + strings.Join(hints, "\n")
	}
	entry := memory.Entry{
		Speaker:   npcID,
		Content:   fmt.Sprintf("Saw: %s\nDid: %s", observation, react.Text()),
		Timestamp: time.Now().UTC(),
	}
	if err := r.shelf.Remember(ctx, npcID, entry); err != nil {
		r.log.Warn("reactor: memory write failed", "npc", npcID, "error", err)
	}
}
