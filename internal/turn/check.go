package turn

import (
	"context"
	"fmt"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/dice"
)

// DiceSink receives resolved checks and state-refresh notices for client
// push. The production implementation is the dicehub; tests record frames.
type DiceSink interface {
	PublishCheck(out dice.Outcome)
	PublishStateRefresh(characterIDs []string)
}

// Resolver rolls the skill checks a turn owes: the gating check of a
// suspended event, or an ad-hoc check the player asked for. Every resolved
// check is pushed to the dice sink before the result is returned.
type Resolver struct {
	roller  *dice.Roller
	sink    DiceSink
	metrics *observe.Metrics
}

// NewResolver creates a Resolver.
func NewResolver(roller *dice.Roller, sink DiceSink, m *observe.Metrics) *Resolver {
	return &Resolver{roller: roller, sink: sink, metrics: m}
}

// ResolveEvent rolls the gating check of ev. The roller defaults to the
// player; an explicit character_id on the check spec selects an NPC. A skill
// absent from the sheet rolls against value 0 and always fails.
func (r *Resolver) ResolveEvent(ctx context.Context, v *state.TurnView, ev *catalog.Event) (dice.Outcome, error) {
	characterID := v.PlayerID
	skillID := ev.TestRequiredID
	difficulty := ev.HardLevel
	if spec := ev.Effects.SkillCheck; spec != nil {
		if spec.CharacterID != "" {
			characterID = spec.CharacterID
		}
		if spec.SkillID != 0 {
			skillID = spec.SkillID
		}
		if spec.Difficulty != 0 {
			difficulty = spec.Difficulty
		}
	}

	name, ok := catalog.AttributeName(skillID)
	if !ok {
		return dice.Outcome{}, fmt.Errorf("turn: event %d: unknown skill id %d", ev.ID, skillID)
	}
	return r.roll(ctx, v, characterID, name, difficulty)
}

// ResolveAdHoc rolls a regular-difficulty check the player requested via a
// use_skill intent outside any event.
func (r *Resolver) ResolveAdHoc(ctx context.Context, v *state.TurnView, characterID, skillName string) (dice.Outcome, error) {
	return r.roll(ctx, v, characterID, skillName, dice.Regular)
}

func (r *Resolver) roll(ctx context.Context, v *state.TurnView, characterID, skillName string, difficulty int) (dice.Outcome, error) {
	sheet, ok := v.Sheets[characterID]
	if !ok {
		return dice.Outcome{}, fmt.Errorf("turn: check for %q: no sheet loaded: %w", characterID, keeper.ErrEntityMissing)
	}
	value, _ := sheet.Value(skillName) // absent skill rolls at 0

	out := r.roller.Check(characterID, skillName, value, difficulty)
	r.sink.PublishCheck(out)
	r.metrics.RecordDiceRoll(ctx, skillName, out.Success)
	return out, nil
}
