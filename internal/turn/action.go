// Package turn implements the turn orchestrator: the pipeline that converts
// one free-text player input into a structured intent, selects at most one
// scenario event to fire, resolves skill checks, runs the NPC reactor loop,
// and commits every resulting state delta in one batch.
package turn

import "encoding/json"

// Intent is the closed vocabulary the parser normalizes player text into.
// The three scenario-specific values exist because stored event
// preconditions reference them.
type Intent string

const (
	IntentInspect          Intent = "inspect"
	IntentTalk             Intent = "talk"
	IntentTake             Intent = "take"
	IntentUse              Intent = "use"
	IntentUseSkill         Intent = "use_skill"
	IntentMove             Intent = "move"
	IntentHelpWoman        Intent = "help_woman"
	IntentLeaveWoman       Intent = "leave_woman"
	IntentTakeAmeliaInCar  Intent = "take_amelia_in_car"
	IntentUnknown          Intent = "unknown"
)

var validIntents = map[Intent]bool{
	IntentInspect:         true,
	IntentTalk:            true,
	IntentTake:            true,
	IntentUse:             true,
	IntentUseSkill:        true,
	IntentMove:            true,
	IntentHelpWoman:       true,
	IntentLeaveWoman:      true,
	IntentTakeAmeliaInCar: true,
	IntentUnknown:         true,
}

// Valid reports whether i is in the closed intent set.
func (i Intent) Valid() bool { return validIntents[i] }

// Action is the structured form of one player input.
type Action struct {
	Intent            Intent   `json:"intent"`
	Target            string   `json:"target,omitempty"`
	Topic             string   `json:"topic,omitempty"`
	TargetLocationID  int      `json:"target_location_id,omitempty"`
	SkillCheckRequest []string `json:"skill_check_request,omitempty"`

	// RawText is the original player input, kept for precondition matching
	// and the degraded unknown-intent path.
	RawText string `json:"raw_text,omitempty"`
}

// Field returns the action value for a named precondition key. The second
// return reports whether the key is one the action exposes.
func (a *Action) Field(name string) (any, bool) {
	switch name {
	case "intent":
		return string(a.Intent), true
	case "target":
		return a.Target, true
	case "topic":
		return a.Topic, true
	case "target_location_id":
		return a.TargetLocationID, true
	case "skill_check_request":
		return a.SkillCheckRequest, true
	case "raw_text":
		return a.RawText, true
	}
	return nil, false
}

// MarshalLog renders the action compactly for slog output.
func (a *Action) MarshalLog() string {
	b, err := json.Marshal(a)
	if err != nil {
		return string(a.Intent)
	}
	return string(b)
}
