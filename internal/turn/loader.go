package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/state"
)

// Loader assembles the turn-local working set: KV copies where they exist,
// catalog seeds where they do not. Seeded pieces are marked dirty so the
// commit persists them.
type Loader struct {
	states  *state.Store
	catalog catalog.Store
}

// NewLoader creates a Loader over the KV store and the catalog.
func NewLoader(states *state.Store, cat catalog.Store) *Loader {
	return &Loader{states: states, catalog: cat}
}

// Load builds the working set for playerID: sheet, session, active map
// state, the sheets of every NPC on that map, world state, completed events,
// and conversation history. A missing player sheet in both KV and catalog is
// an entity miss; a missing session or map state is seeded.
func (l *Loader) Load(ctx context.Context, playerID string) (*state.TurnView, error) {
	v := state.NewTurnView(playerID, l.mapLoader())

	if err := l.loadSheet(ctx, v, playerID); err != nil {
		return nil, err
	}

	sess, err := l.states.Session(ctx, playerID)
	switch {
	case err == nil:
		v.AddSession(sess, false)
	case errors.Is(err, state.ErrNotFound):
		v.AddSession(state.MaterializeSession(v.Sheets[playerID]), true)
	default:
		return nil, err
	}
	v.ActiveMapID = v.PlayerSession().CurrentMapID

	if err := l.loadMap(ctx, v, v.ActiveMapID); err != nil {
		return nil, err
	}
	if err := l.LoadMapNPCs(ctx, v, v.ActiveMapID); err != nil {
		return nil, err
	}

	world, err := l.states.World(ctx)
	switch {
	case err == nil:
		v.World = world
	case errors.Is(err, state.ErrNotFound):
		seed, err := l.catalog.WorldSeed(ctx)
		if err != nil {
			return nil, err
		}
		v.MergeWorld(seed)
	default:
		return nil, err
	}

	if v.Completed, err = l.states.CompletedEvents(ctx, playerID); err != nil {
		return nil, err
	}
	if v.History, err = l.states.History(ctx, playerID); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadMapNPCs ensures every NPC listed on mapID has its sheet in the view.
func (l *Loader) LoadMapNPCs(ctx context.Context, v *state.TurnView, mapID int) error {
	m, ok := v.Maps[mapID]
	if !ok {
		return fmt.Errorf("turn: load npcs: map %d not in view", mapID)
	}
	for _, id := range m.NPCs {
		if _, ok := v.Sheets[id]; ok {
			continue
		}
		if err := l.loadSheet(ctx, v, id); err != nil {
			return err
		}
	}
	return nil
}

// loadSheet prefers the KV copy of a sheet and falls back to the catalog
// row, seeding the copy into the view.
func (l *Loader) loadSheet(ctx context.Context, v *state.TurnView, id string) error {
	sheet, err := l.states.Sheet(ctx, id)
	if err == nil {
		v.AddSheet(sheet)
		return nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return err
	}
	sheet, err = l.catalog.Sheet(ctx, id)
	if err != nil {
		return err
	}
	v.SeedSheet(sheet)
	return nil
}

// loadMap prefers the KV map layer and falls back to the catalog seed.
func (l *Loader) loadMap(ctx context.Context, v *state.TurnView, mapID int) error {
	m, err := l.states.MapState(ctx, mapID)
	if err == nil {
		v.AddMapState(mapID, m, false)
		return nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return err
	}
	m, err = l.seedMap(ctx, mapID)
	if err != nil {
		return err
	}
	v.AddMapState(mapID, m, true)
	return nil
}

func (l *Loader) seedMap(ctx context.Context, mapID int) (*state.MapState, error) {
	row, err := l.catalog.Map(ctx, mapID)
	if err != nil {
		return nil, err
	}
	npcs, err := l.catalog.NPCsOnMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	objects, err := l.catalog.Objects(ctx, mapID)
	if err != nil {
		return nil, err
	}
	return state.NewMapState(row, npcs, objects), nil
}

// mapLoader adapts the loader for mid-turn map materialization (moves and
// accessibility effects referencing maps outside the working set).
func (l *Loader) mapLoader() state.MapLoader {
	return func(ctx context.Context, mapID int) (*state.MapState, error) {
		m, err := l.states.MapState(ctx, mapID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
		return l.seedMap(ctx, mapID)
	}
}
