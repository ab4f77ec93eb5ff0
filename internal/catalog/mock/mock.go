// Package mock provides an in-memory [catalog.Store] for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
)

// Store is a map-backed catalog. Populate the fields directly or via the
// Add helpers; all methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	Sheets  map[string]*catalog.Sheet
	Maps    map[int]*catalog.Map
	ObjMap  map[int][]catalog.Object
	Events  map[int][]catalog.Event
	World   map[string]any
	Updates []StateUpdate // NPC write-throughs, in call order
}

// StateUpdate records one UpdateNPCState call.
type StateUpdate struct {
	ID     string
	Status string
	Goal   string
}

var _ catalog.Store = (*Store)(nil)

// NewStore returns an empty mock catalog.
func NewStore() *Store {
	return &Store{
		Sheets: make(map[string]*catalog.Sheet),
		Maps:   make(map[int]*catalog.Map),
		ObjMap: make(map[int][]catalog.Object),
		Events: make(map[int][]catalog.Event),
		World:  make(map[string]any),
	}
}

// AddSheet registers a character sheet.
func (s *Store) AddSheet(sheet *catalog.Sheet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sheets[sheet.ID] = sheet
}

// AddMap registers a map row.
func (s *Store) AddMap(m *catalog.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Maps[m.ID] = m
}

// AddEvent appends an event to its map's catalog slice.
func (s *Store) AddEvent(ev catalog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events[ev.MapID] = append(s.Events[ev.MapID], ev)
}

// AddObject places an object on its map.
func (s *Store) AddObject(obj catalog.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ObjMap[obj.MapID] = append(s.ObjMap[obj.MapID], obj)
}

func (s *Store) Sheet(_ context.Context, id string) (*catalog.Sheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sheet, ok := s.Sheets[id]
	if !ok {
		return nil, fmt.Errorf("mock catalog: character %q: %w", id, keeper.ErrEntityMissing)
	}
	cp := *sheet
	return &cp, nil
}

func (s *Store) Map(_ context.Context, id int) (*catalog.Map, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.Maps[id]
	if !ok {
		return nil, fmt.Errorf("mock catalog: map %d: %w", id, keeper.ErrEntityMissing)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) NPCsOnMap(_ context.Context, mapID int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sheet := range s.Sheets {
		if sheet.NPC && sheet.MapID == mapID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Objects(_ context.Context, mapID int) ([]catalog.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]catalog.Object(nil), s.ObjMap[mapID]...), nil
}

func (s *Store) EventsByMap(_ context.Context, mapID int) ([]catalog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := append([]catalog.Event(nil), s.Events[mapID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *Store) WorldSeed(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed := make(map[string]any, len(s.World))
	for k, v := range s.World {
		seed[k] = v
	}
	return seed, nil
}

func (s *Store) UpdateNPCState(_ context.Context, id, status, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sheet, ok := s.Sheets[id]
	if !ok || !sheet.NPC {
		return fmt.Errorf("mock catalog: npc %q: %w", id, keeper.ErrEntityMissing)
	}
	sheet.Status = status
	sheet.Goal = goal
	s.Updates = append(s.Updates, StateUpdate{ID: id, Status: status, Goal: goal})
	return nil
}
