package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
)

// fallbackNarration is returned when the narration oracle is unreachable.
// The keeper reply must never be empty.
const fallbackNarration = "The Keeper pauses, weighing your words against the gathering dark. Nothing obvious happens, but the scene holds its breath."

const narrationSystemPrompt = `You are the Keeper of a Call of Cthulhu one-shot. Narrate the outcome of
the player's action in second person, two to four sentences, atmospheric but
concrete. Never decide rules outcomes; only describe. Do not speak for the
player.`

// Synthesizer applies fired-outcome blocks to the working set and composes
// the turn's keeper reply from the base narrative, the NPC reactions, and
// the player's perception rolls against covert ones.
type Synthesizer struct {
	oracle   oracle.Oracle
	roller   *dice.Roller
	catalog  catalog.Store
	metrics  *observe.Metrics
	log      *slog.Logger
	timeout  time.Duration
	fallback string
	window   int
}

// SynthOption configures a [Synthesizer].
type SynthOption func(*Synthesizer)

// WithSynthTimeout overrides the narration oracle deadline.
func WithSynthTimeout(d time.Duration) SynthOption {
	return func(s *Synthesizer) { s.timeout = d }
}

// WithSynthLogger overrides the logger.
func WithSynthLogger(log *slog.Logger) SynthOption {
	return func(s *Synthesizer) { s.log = log }
}

// WithFallbackNarration overrides the canned reply used when the narration
// oracle fails. Must be non-empty.
func WithFallbackNarration(text string) SynthOption {
	return func(s *Synthesizer) {
		if text != "" {
			s.fallback = text
		}
	}
}

// WithHistoryWindow caps how many conversation entries feed the narration
// prompt. Zero or negative means the whole history.
func WithHistoryWindow(n int) SynthOption {
	return func(s *Synthesizer) { s.window = n }
}

// NewSynthesizer creates a Synthesizer. cat receives the npc_state_change
// write-through.
func NewSynthesizer(o oracle.Oracle, roller *dice.Roller, cat catalog.Store, m *observe.Metrics, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		oracle:   o,
		roller:   roller,
		catalog:  cat,
		metrics:  m,
		log:      slog.Default(),
		timeout:  20 * time.Second,
		fallback: fallbackNarration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyOutcome applies one outcome block to the working set and returns the
// branch narrative plus the ids of every character whose state was touched.
// base is the event-level result text used when the block carries no
// narrative of its own. Mutations apply in a fixed order: character state,
// NPC status, world, map edges, object overlays.
func (s *Synthesizer) ApplyOutcome(ctx context.Context, v *state.TurnView, block *catalog.OutcomeBlock, base string) (string, []string, error) {
	narrative := base
	if block == nil {
		return narrative, nil, nil
	}
	if block.Narrative != "" {
		narrative = block.Narrative
	}
	if block.NarrativeInjection != "" {
		narrative += "\n" + block.NarrativeInjection
	}

	touched, err := v.ApplyStateChanges(block.StateChanges)
	if err != nil {
		return "", nil, err
	}

	for _, nc := range block.NPCStateChange {
		if err := v.SetNPCStatus(nc.CharacterID, nc.NewStatus, ""); err != nil {
			return "", nil, err
		}
		// Outcome blocks never carry a goal; write the sheet's effective
		// goal through so the catalog row keeps it.
		if err := s.catalog.UpdateNPCState(ctx, nc.CharacterID, nc.NewStatus, v.Sheets[nc.CharacterID].Goal); err != nil {
			s.log.Warn("synth: npc status write-through failed", "npc", nc.CharacterID, "error", err)
		}
		touched = append(touched, nc.CharacterID)
	}

	v.MergeWorld(block.WorldStateChange)

	if err := v.ApplyMapStateChanges(ctx, block.MapStateChange); err != nil {
		return "", nil, err
	}
	if err := v.ApplyObjectStateChanges(block.ObjectStateChange); err != nil {
		return "", nil, err
	}
	return narrative, touched, nil
}

// Narrate produces the keeper reply for a turn no event claimed. It never
// fails: any oracle error yields the canned fallback so the reply stays
// non-empty.
func (s *Synthesizer) Narrate(ctx context.Context, v *state.TurnView, input string, action Action) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.oracle.Generate(ctx, oracle.Request{
		SystemPrompt: narrationSystemPrompt,
		Messages:     narrationMessages(v, input, action, s.window),
	})
	s.metrics.RecordOracleDuration(ctx, "narration", time.Since(start))
	if err != nil {
		s.metrics.RecordOracleError(ctx, "narration", "call")
		s.log.Warn("synth: narration oracle failed, using fallback", "error", err)
		return s.fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return s.fallback
	}
	return text
}

func narrationMessages(v *state.TurnView, input string, action Action, window int) []oracle.Message {
	history := v.History
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	msgs := make([]oracle.Message, 0, len(history)+1)
	for _, h := range history {
		role := "user"
		if h.Role == "keeper" {
			role = "assistant"
		}
		msgs = append(msgs, oracle.Message{Role: role, Content: h.Content})
	}
	content := input
	if action.Intent != IntentUnknown {
		content += "\n(parsed action: " + action.MarshalLog() + ")"
	}
	msgs = append(msgs, oracle.Message{Role: "user", Content: content})
	return msgs
}

// Compose assembles the final keeper reply: base narrative, then public
// reactions in loop order, then one perception roll per covert reaction. A
// noticed covert action surfaces as an obfuscated hint, never as the NPC's
// literal intent.
func (s *Synthesizer) Compose(v *state.TurnView, base string, reactions []Reaction) string {
	var b strings.Builder
	b.WriteString(base)

	playerInvestigate := 0
	if sheet, ok := v.Sheets[v.PlayerID]; ok {
		playerInvestigate, _ = sheet.Value("investigate")
	}

	for _, r := range reactions {
		if r.Visibility == VisibilityPublic {
			b.WriteString("\n")
			b.WriteString(r.Text())
			continue
		}
		stealth := 0
		if actor, ok := v.Sheets[r.NPCID]; ok {
			stealth, _ = actor.Value("stealth")
		}
		roll := s.roller.D100()
		if roll <= playerInvestigate && roll > stealth/2 {
			fmt.Fprintf(&b, "\nYou notice %s doing something furtive.", r.NPCName)
		}
	}
	return b.String()
}
