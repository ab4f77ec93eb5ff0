// Package catalog provides read-mostly access to the scenario catalog: the
// character sheets, maps, interactable objects, scripted events, and the
// world-state seed. The catalog is the source of truth for static content;
// all turn-local mutation happens in the KV state layer. The single write
// path back into the catalog is the NPC status/goal write-through performed
// by the reactor loop.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sheet is a character sheet. Player and NPC characters share the same
// shape; NPC-only columns (Status, Goal) are empty for players.
type Sheet struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	NPC        bool           `json:"if_npc"`
	Profession string         `json:"profession,omitempty"`
	MapID      int            `json:"current_location_id"`
	Status     string         `json:"status,omitempty"`
	Goal       string         `json:"goal,omitempty"`
	Attributes map[string]int `json:"attributes"`
	Derived    map[string]int `json:"derived_attributes"`
	Skills     map[string]int `json:"skills"`
	Background []string       `json:"backgrounds,omitempty"`
}

// Value looks up a named attribute, derived attribute, or skill on the
// sheet. Matching is case-insensitive. The second return reports whether the
// name was found in any section.
func (s *Sheet) Value(name string) (int, bool) {
	want := strings.ToLower(name)
	for _, section := range []map[string]int{s.Attributes, s.Derived, s.Skills} {
		for k, v := range section {
			if strings.ToLower(k) == want {
				return v, true
			}
		}
	}
	return 0, false
}

// Map is a location in the scenario. AccessibleLocations is the static seed
// for the dynamic accessibility edges held in map state.
type Map struct {
	ID                  int    `json:"id"`
	Name                string `json:"map_name"`
	Info                string `json:"map_info"`
	AccessibleLocations []int  `json:"accessible_locations"`
}

// Object is an interactable object placed on a map. CurrentState is the
// catalog seed; the live blob is overlaid in map state by event effects.
type Object struct {
	ID           string         `json:"object_id"`
	MapID        int            `json:"map_id"`
	Name         string         `json:"object_name"`
	CurrentState map[string]any `json:"current_state"`
}

// Event is one scripted scenario beat keyed to a map.
type Event struct {
	ID             int           `json:"event_id"`
	MapID          int           `json:"map_id"`
	Info           string        `json:"event_info"`
	Preconditions  *Precondition `json:"preconditions,omitempty"`
	PreEventIDs    []int         `json:"pre_event_ids,omitempty"`
	Unique         bool          `json:"if_unique"`
	Effects        Effects       `json:"effects"`
	TestRequiredID int           `json:"test_required_id"`
	HardLevel      int           `json:"hard_level"`
	SuccessResult  string        `json:"success_result_info,omitempty"`
	FailResult     string        `json:"fail_result_info,omitempty"`
}

// RequiresCheck reports whether firing the event must first pass through the
// suspense latch. The catalog uses -1 for "no check".
func (e *Event) RequiresCheck() bool { return e.TestRequiredID != -1 }

// Precondition is the structured hard gate of an event, compared
// field-by-field against the parsed player action and a session snapshot.
// AgentID selects whose session is inspected; empty means the player.
type Precondition struct {
	PlayerAction map[string]any `json:"player_action,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// SkillCheckSpec describes the gating check an event requires before its
// outcome branches apply. CharacterID is empty when the player rolls.
type SkillCheckSpec struct {
	Required    bool   `json:"required"`
	SkillID     int    `json:"skill_id"`
	Difficulty  int    `json:"difficulty"`
	CharacterID string `json:"character_id,omitempty"`
}

// Effects is the full mutation payload of an event.
type Effects struct {
	SkillCheck *SkillCheckSpec `json:"skill_check,omitempty"`
	Outcomes   Outcomes        `json:"outcomes"`
}

// Outcomes holds the outcome branches of an event. Events gated by a skill
// check carry Success and Failure blocks plus a suspense narrative; events
// without a check store a single flat block.
type Outcomes struct {
	SuspenseNarrative string
	Success           *OutcomeBlock
	Failure           *OutcomeBlock
	Flat              *OutcomeBlock
}

// outcomesWire is the branched JSON form of Outcomes.
type outcomesWire struct {
	SuspenseNarrative string        `json:"suspense_narrative,omitempty"`
	Success           *OutcomeBlock `json:"success,omitempty"`
	Failure           *OutcomeBlock `json:"failure,omitempty"`
}

// UnmarshalJSON accepts both the branched form ({suspense_narrative,
// success, failure}) and a flat OutcomeBlock used by events with no check.
func (o *Outcomes) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("catalog: outcomes: %w", err)
	}
	_, hasSuccess := probe["success"]
	_, hasFailure := probe["failure"]
	_, hasSuspense := probe["suspense_narrative"]
	if hasSuccess || hasFailure || hasSuspense {
		var w outcomesWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("catalog: outcomes: %w", err)
		}
		o.SuspenseNarrative = w.SuspenseNarrative
		o.Success = w.Success
		o.Failure = w.Failure
		o.Flat = nil
		return nil
	}
	var flat OutcomeBlock
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("catalog: outcomes: %w", err)
	}
	*o = Outcomes{Flat: &flat}
	return nil
}

// MarshalJSON writes the branched form when any branch field is set and the
// flat block otherwise, mirroring UnmarshalJSON.
func (o Outcomes) MarshalJSON() ([]byte, error) {
	if o.Success != nil || o.Failure != nil || o.SuspenseNarrative != "" {
		return json.Marshal(outcomesWire{
			SuspenseNarrative: o.SuspenseNarrative,
			Success:           o.Success,
			Failure:           o.Failure,
		})
	}
	if o.Flat != nil {
		return json.Marshal(o.Flat)
	}
	return []byte("{}"), nil
}

// Branch selects the outcome block for a check result. For events without a
// check it returns the flat block regardless of success.
func (o Outcomes) Branch(success bool) *OutcomeBlock {
	if o.Flat != nil {
		return o.Flat
	}
	if success {
		return o.Success
	}
	return o.Failure
}

// OutcomeBlock describes every state mutation attributable to one branch of
// one event.
type OutcomeBlock struct {
	Narrative          string              `json:"narrative,omitempty"`
	NarrativeInjection string              `json:"narrative_injection,omitempty"`
	StateChanges       []StateChange       `json:"state_changes,omitempty"`
	NPCStateChange     []NPCStateChange    `json:"npc_state_change,omitempty"`
	WorldStateChange   map[string]any      `json:"world_state_change,omitempty"`
	MapStateChange     *MapStateChange     `json:"map_state_change,omitempty"`
	ObjectStateChange  []ObjectStateChange `json:"object_state_change,omitempty"`
}

// IsZero reports whether applying the block would leave all stores untouched.
func (b *OutcomeBlock) IsZero() bool {
	return b == nil || (b.Narrative == "" && b.NarrativeInjection == "" &&
		len(b.StateChanges) == 0 && len(b.NPCStateChange) == 0 &&
		len(b.WorldStateChange) == 0 && b.MapStateChange == nil &&
		len(b.ObjectStateChange) == 0)
}

// StateChange is one directive of an outcome block. Target is "player" or an
// NPC character id; it is resolved at apply time. Either a numeric delta on
// an attribute id or an arbitrary set_state overwrite, never both.
type StateChange struct {
	Target      string         `json:"target"`
	AttributeID int            `json:"attribute_id,omitempty"`
	Change      int            `json:"change,omitempty"`
	SetState    map[string]any `json:"set_state,omitempty"`
}

// NPCStateChange writes a new live status through to an NPC's sheet.
type NPCStateChange struct {
	CharacterID string `json:"character_id"`
	NewStatus   string `json:"new_status"`
}

// MapStateChange mutates the dynamic map layer.
type MapStateChange struct {
	ModifyLocationAccessible []AccessibilityChange `json:"modify_location_accessible,omitempty"`
}

// AccessibilityChange adds or removes one directed map edge.
type AccessibilityChange struct {
	FromMap int    `json:"from_map"`
	ToMap   int    `json:"to_map"`
	Action  string `json:"action"` // "add" or "remove"
}

// ObjectStateChange overlays key/values onto an object's current state blob.
type ObjectStateChange struct {
	ObjectID string         `json:"object_id"`
	SetState map[string]any `json:"set_state"`
}
