package turn

import (
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	catalogmock "github.com/arkhamlabs/keeperd/internal/catalog/mock"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	"github.com/arkhamlabs/keeperd/pkg/memory"
)

func memEntry(content string) memory.Entry {
	return memory.Entry{Speaker: "player", Content: content, Timestamp: time.Now().UTC()}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// sinkRecorder captures dice frames instead of broadcasting them.
type sinkRecorder struct {
	mu        sync.Mutex
	checks    []dice.Outcome
	refreshes [][]string
}

var _ DiceSink = (*sinkRecorder)(nil)

func (s *sinkRecorder) PublishCheck(out dice.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, out)
}

func (s *sinkRecorder) PublishStateRefresh(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes = append(s.refreshes, append([]string(nil), ids...))
}

func (s *sinkRecorder) checkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checks)
}

func playerSheet() *catalog.Sheet {
	return &catalog.Sheet{
		ID:         "amelia",
		Name:       "Amelia",
		MapID:      1,
		Attributes: map[string]int{"dexterity": 60, "intelligence": 70},
		Derived:    map[string]int{"hit_points": 12, "sanity": 55, "magic_points": 11},
		Skills:     map[string]int{"drive": 60, "investigate": 20, "stealth": 10},
	}
}

func caretakerSheet() *catalog.Sheet {
	return &catalog.Sheet{
		ID:         "caretaker",
		Name:       "Caretaker",
		NPC:        true,
		MapID:      1,
		Profession: "groundskeeper",
		Status:     "raking leaves by the porch",
		Goal:       "keep strangers away from the cellar",
		Attributes: map[string]int{"dexterity": 70},
		Derived:    map[string]int{"hit_points": 11},
		Skills:     map[string]int{"stealth": 80, "investigate": 30},
	}
}

func watcherSheet() *catalog.Sheet {
	return &catalog.Sheet{
		ID:         "watcher",
		Name:       "Watcher",
		NPC:        true,
		MapID:      1,
		Attributes: map[string]int{"dexterity": 50},
		Derived:    map[string]int{"hit_points": 9},
		Skills:     map[string]int{"investigate": 70, "stealth": 20},
	}
}

// farmView is the shared in-memory working set: the player and two NPCs on
// map 1, an iron box, and an edge to maps 2 and 3.
func farmView() *state.TurnView {
	v := state.NewTurnView("amelia", nil)
	v.AddSheet(playerSheet())
	v.AddSheet(caretakerSheet())
	v.AddSheet(watcherSheet())
	v.AddSession(&state.SessionState{
		CharacterID: "amelia", HP: 12, Sanity: 55, MP: 11, CurrentMapID: 1,
	}, false)
	v.ActiveMapID = 1
	v.AddMapState(1, &state.MapState{
		NPCs: []string{"caretaker", "watcher"},
		Objects: map[string]state.ObjectState{
			"iron_box": {Name: "iron box", State: map[string]any{"locked": true}},
		},
		AccessibleMaps: []int{2, 3},
	}, false)
	return v
}

// seededCatalog mirrors farmView on the catalog side and adds the scripted
// events the runner scenarios drive.
func seededCatalog() *catalogmock.Store {
	cat := catalogmock.NewStore()
	cat.AddSheet(playerSheet())
	cat.AddSheet(caretakerSheet())
	cat.AddSheet(watcherSheet())

	cat.AddMap(&catalog.Map{ID: 1, Name: "farmhouse", AccessibleLocations: []int{2, 3}})
	cat.AddMap(&catalog.Map{ID: 2, Name: "county road", AccessibleLocations: []int{1}})
	cat.AddMap(&catalog.Map{ID: 3, Name: "cellar"})

	cat.AddObject(catalog.Object{
		ID: "iron_box", MapID: 1, Name: "iron box",
		CurrentState: map[string]any{"locked": true},
	})

	cat.AddEvent(catalog.Event{
		ID: 5, MapID: 1, Info: "recalling the surrounding area", Unique: true,
		TestRequiredID: -1,
		Preconditions: &catalog.Precondition{
			PlayerAction: map[string]any{
				"intent":              "use_skill",
				"skill_check_request": []any{"intelligence"},
			},
		},
		Effects:       catalog.Effects{Outcomes: catalog.Outcomes{Flat: &catalog.OutcomeBlock{}}},
		SuccessResult: "You recall the chapel past the dead elms.",
	})
	cat.AddEvent(catalog.Event{
		ID: 7, MapID: 2, Info: "gunning the engine through the barricade",
		TestRequiredID: catalog.AttrDrive, HardLevel: dice.Hard,
		Preconditions: &catalog.Precondition{
			PlayerAction: map[string]any{"intent": "use", "target": "car"},
		},
		Effects: catalog.Effects{Outcomes: catalog.Outcomes{
			SuspenseNarrative: "The engine screams as you aim for the gap.",
			Success:           &catalog.OutcomeBlock{},
			Failure: &catalog.OutcomeBlock{
				StateChanges: []catalog.StateChange{
					{Target: "player", AttributeID: catalog.AttrHitPoints, Change: -2},
				},
			},
		}},
		SuccessResult: "You punch through in a shower of splinters.",
		FailResult:    "The car clips the barricade and slams you into the wheel.",
	})
	cat.AddEvent(catalog.Event{
		ID: 9, MapID: 1, Info: "opening the iron box seals the cellar",
		TestRequiredID: -1,
		Preconditions: &catalog.Precondition{
			PlayerAction: map[string]any{"intent": "use", "target": "iron_box"},
		},
		Effects: catalog.Effects{Outcomes: catalog.Outcomes{Flat: &catalog.OutcomeBlock{
			Narrative: "The box clicks open; somewhere below, a bolt slides shut.",
			MapStateChange: &catalog.MapStateChange{
				ModifyLocationAccessible: []catalog.AccessibilityChange{
					{FromMap: 1, ToMap: 3, Action: "remove"},
				},
			},
		}}},
	})
	return cat
}
