package state

import (
	"context"
	"fmt"

	"github.com/arkhamlabs/keeperd/internal/catalog"

	"github.com/arkhamlabs/keeperd/internal/keeper"
)

// MapLoader materializes the dynamic state of a map that is not in the KV
// layer yet, typically by reading the catalog seed.
type MapLoader func(ctx context.Context, mapID int) (*MapState, error)

// TurnView is the turn-local working set. The runner loads copies of every
// store the turn may touch, the stages mutate them here, and
// [Store.Commit] writes the dirty pieces back. Nothing reaches the KV layer
// before commit.
//
// TurnView is not safe for concurrent use; a turn is logically serial.
type TurnView struct {
	PlayerID string

	// ActiveMapID is the map the player is on. Move updates it mid-turn.
	ActiveMapID int

	World    map[string]any
	Maps     map[int]*MapState
	Sessions map[string]*SessionState
	Sheets   map[string]*catalog.Sheet
	Completed []int
	History   []HistoryEntry

	loader MapLoader

	dirtyWorld     bool
	dirtyMaps      map[int]bool
	dirtySessions  map[string]bool
	dirtySheets    map[string]bool
	dirtyCompleted bool
	dirtyHistory   bool
}

// NewTurnView creates an empty working set for playerID. The loader is used
// when an effect or move references a map not yet in the view.
func NewTurnView(playerID string, loader MapLoader) *TurnView {
	return &TurnView{
		PlayerID:      playerID,
		Maps:          make(map[int]*MapState),
		Sessions:      make(map[string]*SessionState),
		Sheets:        make(map[string]*catalog.Sheet),
		loader:        loader,
		dirtyMaps:     make(map[int]bool),
		dirtySessions: make(map[string]bool),
		dirtySheets:   make(map[string]bool),
	}
}

// AddSheet registers a loaded sheet copy without marking it dirty.
func (v *TurnView) AddSheet(sheet *catalog.Sheet) { v.Sheets[sheet.ID] = sheet }

// SeedSheet registers a sheet freshly copied from the catalog and marks it
// dirty so commit writes the KV copy.
func (v *TurnView) SeedSheet(sheet *catalog.Sheet) {
	v.Sheets[sheet.ID] = sheet
	v.dirtySheets[sheet.ID] = true
}

// AddSession registers a loaded session copy. Mark dirty when the session
// was freshly materialized so it is persisted at commit.
func (v *TurnView) AddSession(sess *SessionState, dirty bool) {
	v.Sessions[sess.CharacterID] = sess
	if dirty {
		v.dirtySessions[sess.CharacterID] = true
	}
}

// AddMapState registers a loaded map layer. Mark dirty when freshly seeded.
func (v *TurnView) AddMapState(mapID int, m *MapState, dirty bool) {
	v.Maps[mapID] = m
	if dirty {
		v.dirtyMaps[mapID] = true
	}
}

// ActiveMap returns the state of the map the player is currently on.
func (v *TurnView) ActiveMap() *MapState { return v.Maps[v.ActiveMapID] }

// PlayerSession returns the player's session state.
func (v *TurnView) PlayerSession() *SessionState { return v.Sessions[v.PlayerID] }

// Session returns the session for id, lazily materializing it from the
// registered sheet copy when absent. Materialized sessions are marked dirty.
func (v *TurnView) Session(id string) (*SessionState, error) {
	if sess, ok := v.Sessions[id]; ok {
		return sess, nil
	}
	sheet, ok := v.Sheets[id]
	if !ok {
		return nil, fmt.Errorf("state: session %q: no sheet loaded: %w", id, keeper.ErrEntityMissing)
	}
	sess := MaterializeSession(sheet)
	v.Sessions[id] = sess
	v.dirtySessions[id] = true
	return sess, nil
}

func (v *TurnView) ensureMap(ctx context.Context, mapID int) (*MapState, error) {
	if m, ok := v.Maps[mapID]; ok {
		return m, nil
	}
	if v.loader == nil {
		return nil, fmt.Errorf("state: map %d not loaded: %w", mapID, keeper.ErrEntityMissing)
	}
	m, err := v.loader(ctx, mapID)
	if err != nil {
		return nil, err
	}
	v.Maps[mapID] = m
	v.dirtyMaps[mapID] = true
	return m, nil
}

// ApplyStateChanges applies a list of effect directives. "player" targets
// resolve to the owning player; any other target is a character id. Numeric
// deltas on sanity/mp/hp land on session state and clamp at zero; deltas on
// any other attribute id mutate the cached sheet. set_state overwrites are
// arbitrary; a null value clears the key.
//
// Returns the distinct character ids whose state was touched.
func (v *TurnView) ApplyStateChanges(changes []catalog.StateChange) ([]string, error) {
	var touched []string
	seen := make(map[string]bool)
	mark := func(id string) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}

	for _, ch := range changes {
		id := ch.Target
		if id == "" || id == "player" {
			id = v.PlayerID
		}
		if len(ch.SetState) > 0 {
			sess, err := v.Session(id)
			if err != nil {
				return touched, err
			}
			for k, val := range ch.SetState {
				applySessionSet(sess, k, val)
			}
			v.dirtySessions[id] = true
			mark(id)
			continue
		}

		name, ok := catalog.AttributeName(ch.AttributeID)
		if !ok {
			return touched, fmt.Errorf("state: apply change: unknown attribute id %d", ch.AttributeID)
		}
		if catalog.IsSessionAttribute(ch.AttributeID) {
			sess, err := v.Session(id)
			if err != nil {
				return touched, err
			}
			switch ch.AttributeID {
			case catalog.AttrSanity:
				sess.Sanity = clamp(sess.Sanity + ch.Change)
			case catalog.AttrMagicPoints:
				sess.MP = clamp(sess.MP + ch.Change)
			case catalog.AttrHitPoints:
				sess.HP = clamp(sess.HP + ch.Change)
			}
			v.dirtySessions[id] = true
			mark(id)
			continue
		}

		sheet, ok := v.Sheets[id]
		if !ok {
			return touched, fmt.Errorf("state: apply change: no sheet for %q: %w", id, keeper.ErrEntityMissing)
		}
		applySheetDelta(sheet, name, ch.Change)
		v.dirtySheets[id] = true
		mark(id)
	}
	return touched, nil
}

// applySessionSet routes one set_state key to its session field; unknown
// keys land in Extra. A nil value clears.
func applySessionSet(sess *SessionState, key string, val any) {
	switch key {
	case "current_map_id", "current_location_id":
		if f, ok := val.(float64); ok {
			sess.CurrentMapID = int(f)
		}
	case "current_vehicle_id":
		if val == nil {
			sess.CurrentVehicleID = ""
		} else if s, ok := val.(string); ok {
			sess.CurrentVehicleID = s
		}
	case "pending_check_event_id":
		if val == nil {
			sess.PendingCheckEventID = nil
		} else if f, ok := val.(float64); ok {
			id := int(f)
			sess.PendingCheckEventID = &id
		}
	default:
		if val == nil {
			delete(sess.Extra, key)
			return
		}
		if sess.Extra == nil {
			sess.Extra = make(map[string]any)
		}
		sess.Extra[key] = val
	}
}

func applySheetDelta(sheet *catalog.Sheet, name string, delta int) {
	for _, section := range []map[string]int{sheet.Attributes, sheet.Derived, sheet.Skills} {
		if _, ok := section[name]; ok {
			section[name] = clamp(section[name] + delta)
			return
		}
	}
	// Field absent from every section: create it on skills, matching the
	// sheet lookup order for later reads.
	if sheet.Skills == nil {
		sheet.Skills = make(map[string]int)
	}
	sheet.Skills[name] = clamp(delta)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// ApplyMapStateChanges mutates map accessibility edges. Removing an edge
// that is not present is a no-op; adding an existing edge is a no-op.
func (v *TurnView) ApplyMapStateChanges(ctx context.Context, mc *catalog.MapStateChange) error {
	if mc == nil {
		return nil
	}
	for _, ch := range mc.ModifyLocationAccessible {
		m, err := v.ensureMap(ctx, ch.FromMap)
		if err != nil {
			return err
		}
		switch ch.Action {
		case "add":
			if !m.Accessible(ch.ToMap) {
				m.AccessibleMaps = append(m.AccessibleMaps, ch.ToMap)
				v.dirtyMaps[ch.FromMap] = true
			}
		case "remove":
			for i, id := range m.AccessibleMaps {
				if id == ch.ToMap {
					m.AccessibleMaps = append(m.AccessibleMaps[:i], m.AccessibleMaps[i+1:]...)
					v.dirtyMaps[ch.FromMap] = true
					break
				}
			}
		default:
			return fmt.Errorf("state: map change: unknown action %q", ch.Action)
		}
	}
	return nil
}

// ApplyObjectStateChanges overlays set_state blobs onto objects of the
// active map. A nil value clears the key.
func (v *TurnView) ApplyObjectStateChanges(changes []catalog.ObjectStateChange) error {
	m := v.ActiveMap()
	if m == nil {
		return fmt.Errorf("state: object change: active map %d not loaded: %w", v.ActiveMapID, keeper.ErrEntityMissing)
	}
	for _, ch := range changes {
		obj, ok := m.Objects[ch.ObjectID]
		if !ok {
			return fmt.Errorf("state: object %q: %w", ch.ObjectID, keeper.ErrEntityMissing)
		}
		if obj.State == nil {
			obj.State = make(map[string]any)
		}
		for k, val := range ch.SetState {
			if val == nil {
				delete(obj.State, k)
				continue
			}
			obj.State[k] = val
		}
		m.Objects[ch.ObjectID] = obj
		v.dirtyMaps[v.ActiveMapID] = true
	}
	return nil
}

// MergeWorld merges key/values into the world KV.
func (v *TurnView) MergeWorld(changes map[string]any) {
	if len(changes) == 0 {
		return
	}
	if v.World == nil {
		v.World = make(map[string]any)
	}
	for k, val := range changes {
		v.World[k] = val
	}
	v.dirtyWorld = true
}

// SetNPCStatus updates the cached sheet copy of an NPC's live status/goal.
// The relational write-through is the caller's responsibility. Empty goal
// keeps the current one.
func (v *TurnView) SetNPCStatus(id, status, goal string) error {
	sheet, ok := v.Sheets[id]
	if !ok {
		return fmt.Errorf("state: npc status %q: no sheet loaded: %w", id, keeper.ErrEntityMissing)
	}
	sheet.Status = status
	if goal != "" {
		sheet.Goal = goal
	}
	v.dirtySheets[id] = true
	return nil
}

// SetPendingCheck sets or clears the player's pending-check latch.
func (v *TurnView) SetPendingCheck(eventID *int) {
	sess := v.PlayerSession()
	sess.PendingCheckEventID = eventID
	v.dirtySessions[v.PlayerID] = true
}

// CompleteEvent appends id to the completed-events list if not yet present.
// Returns whether the list changed.
func (v *TurnView) CompleteEvent(id int) bool {
	for _, done := range v.Completed {
		if done == id {
			return false
		}
	}
	v.Completed = append(v.Completed, id)
	v.dirtyCompleted = true
	return true
}

// HasCompleted reports whether id is in the completed-events list.
func (v *TurnView) HasCompleted(id int) bool {
	for _, done := range v.Completed {
		if done == id {
			return true
		}
	}
	return false
}

// AppendTurnHistory appends the turn's player/keeper pair. Exactly two
// entries per committed turn.
func (v *TurnView) AppendTurnHistory(playerInput, keeperReply string) {
	v.History = append(v.History,
		HistoryEntry{Role: "player", Content: playerInput},
		HistoryEntry{Role: "keeper", Content: keeperReply},
	)
	v.dirtyHistory = true
}

// MovePlayer relocates the player to mapID, loading the destination map
// state if needed. The destination must be reachable from the active map as
// the edges stand now, after any event effects of the turn.
func (v *TurnView) MovePlayer(ctx context.Context, mapID int) error {
	if m := v.ActiveMap(); m != nil && !m.Accessible(mapID) {
		return fmt.Errorf("state: move %d -> %d: %w", v.ActiveMapID, mapID, keeper.ErrPreconditionMismatch)
	}
	if _, err := v.ensureMap(ctx, mapID); err != nil {
		return err
	}
	sess := v.PlayerSession()
	sess.CurrentMapID = mapID
	v.dirtySessions[v.PlayerID] = true
	v.ActiveMapID = mapID
	return nil
}
