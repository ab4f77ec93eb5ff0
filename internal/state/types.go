package state

import (
	"github.com/arkhamlabs/keeperd/internal/catalog"
)

// Defaults used when an NPC session is materialized and the sheet lacks the
// corresponding derived attribute.
const (
	DefaultHP     = 10
	DefaultSanity = 50
	DefaultMP     = 10
)

// SessionState is the live, per-character slice of state that a session
// mutates: the three tracked pools, the character's position, and the
// pending-check latch. At most one pending check exists per character.
type SessionState struct {
	CharacterID         string         `json:"character_id"`
	HP                  int            `json:"hp"`
	Sanity              int            `json:"sanity"`
	MP                  int            `json:"mp"`
	CurrentMapID        int            `json:"current_map_id"`
	CurrentVehicleID    string         `json:"current_vehicle_id,omitempty"`
	PendingCheckEventID *int           `json:"pending_check_event_id,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

// MaterializeSession builds a fresh session from a character sheet's derived
// attributes, falling back to the documented defaults for missing fields.
func MaterializeSession(sheet *catalog.Sheet) *SessionState {
	s := &SessionState{
		CharacterID:  sheet.ID,
		HP:           DefaultHP,
		Sanity:       DefaultSanity,
		MP:           DefaultMP,
		CurrentMapID: sheet.MapID,
	}
	if v, ok := sheet.Derived["hit_points"]; ok {
		s.HP = v
	}
	if v, ok := sheet.Derived["sanity"]; ok {
		s.Sanity = v
	}
	if v, ok := sheet.Derived["magic_points"]; ok {
		s.MP = v
	}
	return s
}

// Field returns the session value for a named field, for precondition
// comparison. current_location_id aliases current_map_id.
func (s *SessionState) Field(name string) (any, bool) {
	switch name {
	case "current_map_id", "current_location_id":
		return s.CurrentMapID, true
	case "hp", "hit_points":
		return s.HP, true
	case "sanity":
		return s.Sanity, true
	case "mp", "magic_points":
		return s.MP, true
	case "current_vehicle_id":
		return s.CurrentVehicleID, true
	}
	v, ok := s.Extra[name]
	return v, ok
}

// ObjectState is the live blob for one interactable object on a map.
type ObjectState struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state"`
}

// MapState is the dynamic layer of one map: which NPCs are present, the
// live object blobs, and the currently accessible neighbouring maps.
type MapState struct {
	NPCs           []string               `json:"npcs"`
	Objects        map[string]ObjectState `json:"objects"`
	AccessibleMaps []int                  `json:"accessible_maps"`
}

// NewMapState seeds the dynamic map layer from catalog rows.
func NewMapState(m *catalog.Map, npcs []string, objects []catalog.Object) *MapState {
	ms := &MapState{
		NPCs:           append([]string(nil), npcs...),
		Objects:        make(map[string]ObjectState, len(objects)),
		AccessibleMaps: append([]int(nil), m.AccessibleLocations...),
	}
	for _, obj := range objects {
		st := obj.CurrentState
		if st == nil {
			st = map[string]any{}
		}
		ms.Objects[obj.ID] = ObjectState{Name: obj.Name, State: st}
	}
	return ms
}

// Accessible reports whether mapID is currently reachable from this map.
func (m *MapState) Accessible(mapID int) bool {
	for _, id := range m.AccessibleMaps {
		if id == mapID {
			return true
		}
	}
	return false
}

// HistoryEntry is one conversation-history line. Role is "player" or
// "keeper".
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
