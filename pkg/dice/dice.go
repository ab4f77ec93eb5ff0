// Package dice implements percentile skill checks: a 1d100 roll compared
// against a skill value adjusted by the difficulty ladder. Randomness uses
// [math/rand/v2] with a per-process automatically-seeded source unless an
// explicit source is injected, which tests do.
package dice

import (
	"fmt"
	"math/rand/v2"
)

// Difficulty levels of a check. The ladder divides the effective skill
// value: regular uses it as-is, hard halves it, extreme takes a fifth.
const (
	Regular = 1
	Hard    = 2
	Extreme = 3
)

// Outcome is the full record of one resolved check, pushed to dice
// subscribers and folded into the turn narration.
type Outcome struct {
	CharacterID string `json:"character_id"`
	Skill       string `json:"skill"`
	SkillValue  int    `json:"skill_value"`
	Difficulty  int    `json:"difficulty"`
	Threshold   int    `json:"threshold"`
	Roll        int    `json:"roll"`
	Success     bool   `json:"success"`
}

// Threshold returns the roll-under target for a skill value at the given
// difficulty. Unknown difficulties fall back to regular. A zero skill yields
// a zero threshold, which no d100 roll can meet.
func Threshold(skill, difficulty int) int {
	switch difficulty {
	case Hard:
		return skill / 2
	case Extreme:
		return skill / 5
	default:
		return skill
	}
}

// Roller produces percentile rolls.
type Roller struct {
	intN func(n int) int
}

// Option configures a [Roller].
type Option func(*Roller)

// WithSource injects a deterministic random source.
func WithSource(src rand.Source) Option {
	return func(r *Roller) {
		rng := rand.New(src)
		r.intN = rng.IntN
	}
}

// WithRolls scripts the upcoming d100 results, cycling once exhausted.
// Tests use it to force exact check outcomes.
func WithRolls(rolls ...int) Option {
	return func(r *Roller) {
		if len(rolls) == 0 {
			return
		}
		i := 0
		r.intN = func(int) int {
			roll := rolls[i%len(rolls)]
			i++
			return roll - 1
		}
	}
}

// NewRoller creates a Roller using the process-global seeded source.
func NewRoller(opts ...Option) *Roller {
	r := &Roller{intN: rand.IntN}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// D100 rolls one percentile die, 1..100.
func (r *Roller) D100() int { return r.intN(100) + 1 }

// Check resolves one skill check: roll 1d100, succeed iff the roll is at or
// under the difficulty-adjusted threshold.
func (r *Roller) Check(characterID, skill string, skillValue, difficulty int) Outcome {
	threshold := Threshold(skillValue, difficulty)
	roll := r.D100()
	return Outcome{
		CharacterID: characterID,
		Skill:       skill,
		SkillValue:  skillValue,
		Difficulty:  difficulty,
		Threshold:   threshold,
		Roll:        roll,
		Success:     roll <= threshold,
	}
}

// String renders the outcome in the form used by narration prompts and logs.
func (o Outcome) String() string {
	verdict := "failure"
	if o.Success {
		verdict = "success"
	}
	return fmt.Sprintf("%s check for %s: rolled %d against %d (%s)",
		o.Skill, o.CharacterID, o.Roll, o.Threshold, verdict)
}
