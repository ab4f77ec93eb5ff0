package state

import (
	"context"
	"errors"
	"testing"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
)

func newTestView() *TurnView {
	v := NewTurnView("amelia", nil)
	v.AddSheet(testSheet("amelia", 3))
	v.AddSession(MaterializeSession(v.Sheets["amelia"]), false)
	v.ActiveMapID = 3
	v.AddMapState(3, &MapState{
		NPCs: []string{"caretaker"},
		Objects: map[string]ObjectState{
			"iron_box": {Name: "iron box", State: map[string]any{"locked": true}},
		},
		AccessibleMaps: []int{4},
	}, false)
	return v
}

func TestApplyStateChangesClampsAtZero(t *testing.T) {
	t.Parallel()
	v := newTestView()

	touched, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "player", AttributeID: catalog.AttrSanity, Change: -200},
		{Target: "player", AttributeID: catalog.AttrHitPoints, Change: -5},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(touched) != 1 || touched[0] != "amelia" {
		t.Fatalf("want touched [amelia], got %v", touched)
	}
	sess := v.PlayerSession()
	if sess.Sanity != 0 {
		t.Fatalf("want sanity clamped to 0, got %d", sess.Sanity)
	}
	if sess.HP != 7 {
		t.Fatalf("want HP 7, got %d", sess.HP)
	}
}

func TestApplyStateChangesRoutesSheetAttributes(t *testing.T) {
	t.Parallel()
	v := newTestView()

	if _, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "player", AttributeID: catalog.AttrInvestigate, Change: 10},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := v.Sheets["amelia"].Skills["investigate"]; got != 70 {
		t.Fatalf("want investigate 70, got %d", got)
	}
	if !v.dirtySheets["amelia"] {
		t.Fatal("sheet delta must dirty the sheet")
	}
	if v.dirtySessions["amelia"] {
		t.Fatal("sheet delta must not dirty the session")
	}
}

func TestApplyStateChangesSetState(t *testing.T) {
	t.Parallel()
	v := newTestView()

	if _, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "player", SetState: map[string]any{
			"current_vehicle_id": "model_t",
			"poisoned":           true,
		}},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sess := v.PlayerSession()
	if sess.CurrentVehicleID != "model_t" {
		t.Fatalf("want vehicle model_t, got %q", sess.CurrentVehicleID)
	}
	if got, _ := sess.Field("poisoned"); got != true {
		t.Fatalf("want poisoned=true in extra, got %v", got)
	}

	// Null clears.
	if _, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "player", SetState: map[string]any{"current_vehicle_id": nil, "poisoned": nil}},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sess.CurrentVehicleID != "" {
		t.Fatalf("want vehicle cleared, got %q", sess.CurrentVehicleID)
	}
	if _, ok := sess.Field("poisoned"); ok {
		t.Fatal("want poisoned cleared from extra")
	}
}

func TestApplyStateChangesMaterializesNPCSession(t *testing.T) {
	t.Parallel()
	v := newTestView()
	npc := testSheet("caretaker", 3)
	npc.NPC = true
	v.AddSheet(npc)

	touched, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "caretaker", AttributeID: catalog.AttrHitPoints, Change: -4},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(touched) != 1 || touched[0] != "caretaker" {
		t.Fatalf("want touched [caretaker], got %v", touched)
	}
	sess := v.Sessions["caretaker"]
	if sess == nil || sess.HP != 8 {
		t.Fatalf("want materialized caretaker session with HP 8, got %+v", sess)
	}
	if !v.dirtySessions["caretaker"] {
		t.Fatal("materialized session must be dirty")
	}
}

func TestApplyStateChangesUnknownTargetFails(t *testing.T) {
	t.Parallel()
	v := newTestView()

	_, err := v.ApplyStateChanges([]catalog.StateChange{
		{Target: "nobody", AttributeID: catalog.AttrHitPoints, Change: -1},
	})
	if !errors.Is(err, keeper.ErrEntityMissing) {
		t.Fatalf("want ErrEntityMissing, got %v", err)
	}
}

func TestApplyMapStateChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newTestView()

	err := v.ApplyMapStateChanges(ctx, &catalog.MapStateChange{
		ModifyLocationAccessible: []catalog.AccessibilityChange{
			{FromMap: 3, ToMap: 5, Action: "add"},
			{FromMap: 3, ToMap: 5, Action: "add"},    // duplicate add is a no-op
			{FromMap: 3, ToMap: 9, Action: "remove"}, // absent edge is a no-op
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	m := v.ActiveMap()
	if len(m.AccessibleMaps) != 2 || !m.Accessible(4) || !m.Accessible(5) {
		t.Fatalf("want edges [4 5], got %v", m.AccessibleMaps)
	}

	err = v.ApplyMapStateChanges(ctx, &catalog.MapStateChange{
		ModifyLocationAccessible: []catalog.AccessibilityChange{
			{FromMap: 3, ToMap: 4, Action: "remove"},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v.ActiveMap().Accessible(4) {
		t.Fatal("edge 3->4 should be removed")
	}
}

func TestApplyMapStateChangesLoadsForeignMap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	loaded := 0
	loader := func(_ context.Context, mapID int) (*MapState, error) {
		loaded++
		return &MapState{AccessibleMaps: []int{1}}, nil
	}
	v := NewTurnView("amelia", loader)
	v.AddSheet(testSheet("amelia", 3))
	v.AddSession(MaterializeSession(v.Sheets["amelia"]), false)

	err := v.ApplyMapStateChanges(ctx, &catalog.MapStateChange{
		ModifyLocationAccessible: []catalog.AccessibilityChange{
			{FromMap: 8, ToMap: 3, Action: "add"},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("want one loader call, got %d", loaded)
	}
	if !v.Maps[8].Accessible(3) {
		t.Fatal("edge 8->3 not added on loaded map")
	}
	if !v.dirtyMaps[8] {
		t.Fatal("loaded-and-mutated map must be dirty")
	}
}

func TestApplyObjectStateChanges(t *testing.T) {
	t.Parallel()
	v := newTestView()

	err := v.ApplyObjectStateChanges([]catalog.ObjectStateChange{
		{ObjectID: "iron_box", SetState: map[string]any{"locked": false, "opened_by": "amelia"}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	st := v.ActiveMap().Objects["iron_box"].State
	if st["locked"] != false || st["opened_by"] != "amelia" {
		t.Fatalf("want overlay applied, got %v", st)
	}

	err = v.ApplyObjectStateChanges([]catalog.ObjectStateChange{
		{ObjectID: "ghost_chair", SetState: map[string]any{"broken": true}},
	})
	if !errors.Is(err, keeper.ErrEntityMissing) {
		t.Fatalf("want ErrEntityMissing for unknown object, got %v", err)
	}
}

func TestCompleteEventIsMonotone(t *testing.T) {
	t.Parallel()
	v := newTestView()

	if !v.CompleteEvent(12) {
		t.Fatal("first completion must change the list")
	}
	if v.CompleteEvent(12) {
		t.Fatal("second completion must be a no-op")
	}
	if !v.HasCompleted(12) || v.HasCompleted(13) {
		t.Fatal("completed lookup wrong")
	}
	if got := len(v.Completed); got != 1 {
		t.Fatalf("want 1 completed event, got %d", got)
	}
}

func TestMovePlayer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	loader := func(_ context.Context, mapID int) (*MapState, error) {
		return &MapState{AccessibleMaps: []int{3}}, nil
	}
	v := newTestView()
	v.loader = loader

	if err := v.MovePlayer(ctx, 4); err != nil {
		t.Fatalf("move: %v", err)
	}
	if v.ActiveMapID != 4 {
		t.Fatalf("want active map 4, got %d", v.ActiveMapID)
	}
	if v.PlayerSession().CurrentMapID != 4 {
		t.Fatalf("want session map 4, got %d", v.PlayerSession().CurrentMapID)
	}

	err := v.MovePlayer(ctx, 9)
	if !errors.Is(err, keeper.ErrPreconditionMismatch) {
		t.Fatalf("want ErrPreconditionMismatch for unreachable map, got %v", err)
	}
	if v.ActiveMapID != 4 {
		t.Fatalf("rejected move must not relocate, got map %d", v.ActiveMapID)
	}
}

func TestSetPendingCheck(t *testing.T) {
	t.Parallel()
	v := newTestView()

	id := 42
	v.SetPendingCheck(&id)
	if got := v.PlayerSession().PendingCheckEventID; got == nil || *got != 42 {
		t.Fatalf("want pending 42, got %v", got)
	}
	v.SetPendingCheck(nil)
	if v.PlayerSession().PendingCheckEventID != nil {
		t.Fatal("want pending check cleared")
	}
}

func TestMergeWorld(t *testing.T) {
	t.Parallel()
	v := newTestView()
	v.World = map[string]any{"act": 1.0}

	v.MergeWorld(map[string]any{"act": 2.0, "storm": true})
	if v.World["act"] != 2.0 || v.World["storm"] != true {
		t.Fatalf("want merged world, got %v", v.World)
	}
	if !v.dirtyWorld {
		t.Fatal("world merge must dirty the world")
	}
}
