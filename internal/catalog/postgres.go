package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arkhamlabs/keeperd/internal/keeper"
)

// Schema is the SQL DDL for the scenario catalog. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS characters (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    if_npc              BOOLEAN NOT NULL DEFAULT FALSE,
    profession          TEXT NOT NULL DEFAULT '',
    current_location_id INTEGER NOT NULL DEFAULT 1,
    status              TEXT NOT NULL DEFAULT '',
    goal                TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS attributes (
    character_id TEXT PRIMARY KEY REFERENCES characters(id),
    strength     INTEGER NOT NULL DEFAULT 0,
    constitution INTEGER NOT NULL DEFAULT 0,
    size         INTEGER NOT NULL DEFAULT 0,
    dexterity    INTEGER NOT NULL DEFAULT 0,
    appearance   INTEGER NOT NULL DEFAULT 0,
    intelligence INTEGER NOT NULL DEFAULT 0,
    power        INTEGER NOT NULL DEFAULT 0,
    education    INTEGER NOT NULL DEFAULT 0,
    luck         INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS derived_attributes (
    character_id        TEXT PRIMARY KEY REFERENCES characters(id),
    sanity              INTEGER NOT NULL DEFAULT 0,
    magic_points        INTEGER NOT NULL DEFAULT 0,
    interest_points     INTEGER NOT NULL DEFAULT 0,
    hit_points          INTEGER NOT NULL DEFAULT 0,
    move_rate           INTEGER NOT NULL DEFAULT 0,
    damage_bonus        INTEGER NOT NULL DEFAULT 0,
    build               INTEGER NOT NULL DEFAULT 0,
    professional_points INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS skills (
    character_id    TEXT PRIMARY KEY REFERENCES characters(id),
    fighting        INTEGER NOT NULL DEFAULT 25,
    firearms        INTEGER NOT NULL DEFAULT 20,
    dodge           INTEGER NOT NULL DEFAULT 20,
    mechanics       INTEGER NOT NULL DEFAULT 10,
    drive           INTEGER NOT NULL DEFAULT 20,
    stealth         INTEGER NOT NULL DEFAULT 20,
    investigate     INTEGER NOT NULL DEFAULT 25,
    sleight_of_hand INTEGER NOT NULL DEFAULT 10,
    electronics     INTEGER NOT NULL DEFAULT 10,
    history         INTEGER NOT NULL DEFAULT 10,
    science         INTEGER NOT NULL DEFAULT 10,
    medicine        INTEGER NOT NULL DEFAULT 5,
    occult          INTEGER NOT NULL DEFAULT 5,
    library_use     INTEGER NOT NULL DEFAULT 20,
    art             INTEGER NOT NULL DEFAULT 5,
    persuade        INTEGER NOT NULL DEFAULT 15,
    psychology      INTEGER NOT NULL DEFAULT 10
);
CREATE TABLE IF NOT EXISTS backgrounds (
    character_id TEXT NOT NULL REFERENCES characters(id),
    background   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS maps (
    id                   INTEGER PRIMARY KEY,
    map_name             TEXT NOT NULL,
    map_info             TEXT NOT NULL DEFAULT '',
    accessible_locations JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS interactable_objects (
    object_id     TEXT PRIMARY KEY,
    map_id        INTEGER NOT NULL REFERENCES maps(id),
    object_name   TEXT NOT NULL,
    current_state JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS events (
    event_id            INTEGER PRIMARY KEY,
    map_id              INTEGER NOT NULL REFERENCES maps(id),
    event_info          TEXT NOT NULL DEFAULT '',
    preconditions       JSONB,
    pre_event_ids       JSONB NOT NULL DEFAULT '[]',
    if_unique           BOOLEAN NOT NULL DEFAULT FALSE,
    effects             JSONB NOT NULL DEFAULT '{}',
    test_required_id    INTEGER NOT NULL DEFAULT -1,
    hard_level          INTEGER NOT NULL DEFAULT 1,
    success_result_info TEXT NOT NULL DEFAULT '',
    fail_result_info    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_map ON events(map_id);
CREATE INDEX IF NOT EXISTS idx_characters_location ON characters(current_location_id) WHERE if_npc;
CREATE TABLE IF NOT EXISTS world_state (
    state_key   TEXT PRIMARY KEY,
    state_value JSONB NOT NULL
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides read access to the scenario catalog plus the single NPC
// write-through path. Implementations must be safe for concurrent use.
type Store interface {
	// Sheet assembles the full character sheet for id. Returns an error
	// wrapping [keeper.ErrEntityMissing] if the character does not exist.
	Sheet(ctx context.Context, id string) (*Sheet, error)

	// Map returns the map row for id, with its static accessibility seed.
	Map(ctx context.Context, id int) (*Map, error)

	// NPCsOnMap lists the ids of NPC characters currently placed on a map.
	NPCsOnMap(ctx context.Context, mapID int) ([]string, error)

	// Objects lists the interactable objects seeded on a map.
	Objects(ctx context.Context, mapID int) ([]Object, error)

	// EventsByMap returns all events for a map in catalog order
	// (event_id ascending).
	EventsByMap(ctx context.Context, mapID int) ([]Event, error)

	// WorldSeed returns the full world-state table, loaded once at startup
	// into the KV layer.
	WorldSeed(ctx context.Context) (map[string]any, error)

	// UpdateNPCState writes an NPC's live status and goal back to its
	// character row. This is the catalog's only turn-time write path.
	UpdateNPCState(ctx context.Context, id, status, goal string) error
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Structured
// sub-fields (preconditions, effects, accessibility seeds) are stored as
// JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries against a fresh
// database.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the catalog tables and indexes
// if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Sheet(ctx context.Context, id string) (*Sheet, error) {
	sheet := &Sheet{ID: id}
	err := s.db.QueryRow(ctx,
		`SELECT name, if_npc, profession, current_location_id, status, goal
		 FROM characters WHERE id = $1`, id,
	).Scan(&sheet.Name, &sheet.NPC, &sheet.Profession, &sheet.MapID, &sheet.Status, &sheet.Goal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("catalog: character %q: %w", id, keeper.ErrEntityMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: sheet %q: %w", id, err)
	}

	if sheet.Attributes, err = s.rowAsIntMap(ctx,
		`SELECT strength, constitution, size, dexterity, appearance,
		        intelligence, power, education, luck
		 FROM attributes WHERE character_id = $1`, id); err != nil {
		return nil, fmt.Errorf("catalog: attributes %q: %w", id, err)
	}
	if sheet.Derived, err = s.rowAsIntMap(ctx,
		`SELECT sanity, magic_points, interest_points, hit_points,
		        move_rate, damage_bonus, build, professional_points
		 FROM derived_attributes WHERE character_id = $1`, id); err != nil {
		return nil, fmt.Errorf("catalog: derived attributes %q: %w", id, err)
	}
	if sheet.Skills, err = s.rowAsIntMap(ctx,
		`SELECT fighting, firearms, dodge, mechanics, drive, stealth,
		        investigate, sleight_of_hand, electronics, history, science,
		        medicine, occult, library_use, art, persuade, psychology
		 FROM skills WHERE character_id = $1`, id); err != nil {
		return nil, fmt.Errorf("catalog: skills %q: %w", id, err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT background FROM backgrounds WHERE character_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("catalog: backgrounds %q: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var bg string
		if err := rows.Scan(&bg); err != nil {
			return nil, fmt.Errorf("catalog: backgrounds %q: %w", id, err)
		}
		sheet.Background = append(sheet.Background, bg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: backgrounds %q: %w", id, err)
	}
	return sheet, nil
}

func (s *PostgresStore) Map(ctx context.Context, id int) (*Map, error) {
	m := &Map{ID: id}
	var accessible []byte
	err := s.db.QueryRow(ctx,
		`SELECT map_name, map_info, accessible_locations FROM maps WHERE id = $1`, id,
	).Scan(&m.Name, &m.Info, &accessible)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("catalog: map %d: %w", id, keeper.ErrEntityMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: map %d: %w", id, err)
	}
	if err := json.Unmarshal(accessible, &m.AccessibleLocations); err != nil {
		return nil, fmt.Errorf("catalog: map %d accessible_locations: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) NPCsOnMap(ctx context.Context, mapID int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM characters WHERE if_npc AND current_location_id = $1 ORDER BY id`, mapID)
	if err != nil {
		return nil, fmt.Errorf("catalog: npcs on map %d: %w", mapID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: npcs on map %d: %w", mapID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: npcs on map %d: %w", mapID, err)
	}
	return ids, nil
}

func (s *PostgresStore) Objects(ctx context.Context, mapID int) ([]Object, error) {
	rows, err := s.db.Query(ctx,
		`SELECT object_id, object_name, current_state
		 FROM interactable_objects WHERE map_id = $1 ORDER BY object_id`, mapID)
	if err != nil {
		return nil, fmt.Errorf("catalog: objects on map %d: %w", mapID, err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		obj := Object{MapID: mapID}
		var state []byte
		if err := rows.Scan(&obj.ID, &obj.Name, &state); err != nil {
			return nil, fmt.Errorf("catalog: objects on map %d: %w", mapID, err)
		}
		if len(state) > 0 {
			if err := json.Unmarshal(state, &obj.CurrentState); err != nil {
				return nil, fmt.Errorf("catalog: object %q state: %w", obj.ID, err)
			}
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: objects on map %d: %w", mapID, err)
	}
	return objects, nil
}

func (s *PostgresStore) EventsByMap(ctx context.Context, mapID int) ([]Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT event_id, event_info, preconditions, pre_event_ids, if_unique,
		        effects, test_required_id, hard_level, success_result_info, fail_result_info
		 FROM events WHERE map_id = $1 ORDER BY event_id`, mapID)
	if err != nil {
		return nil, fmt.Errorf("catalog: events on map %d: %w", mapID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev := Event{MapID: mapID}
		var preconditions, preIDs, effects []byte
		if err := rows.Scan(&ev.ID, &ev.Info, &preconditions, &preIDs, &ev.Unique,
			&effects, &ev.TestRequiredID, &ev.HardLevel, &ev.SuccessResult, &ev.FailResult); err != nil {
			return nil, fmt.Errorf("catalog: events on map %d: %w", mapID, err)
		}
		if len(preconditions) > 0 {
			if err := json.Unmarshal(preconditions, &ev.Preconditions); err != nil {
				return nil, fmt.Errorf("catalog: event %d preconditions: %w", ev.ID, err)
			}
		}
		if len(preIDs) > 0 {
			if err := json.Unmarshal(preIDs, &ev.PreEventIDs); err != nil {
				return nil, fmt.Errorf("catalog: event %d pre_event_ids: %w", ev.ID, err)
			}
		}
		if len(effects) > 0 {
			if err := json.Unmarshal(effects, &ev.Effects); err != nil {
				return nil, fmt.Errorf("catalog: event %d effects: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: events on map %d: %w", mapID, err)
	}
	return events, nil
}

func (s *PostgresStore) WorldSeed(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.Query(ctx, `SELECT state_key, state_value FROM world_state`)
	if err != nil {
		return nil, fmt.Errorf("catalog: world seed: %w", err)
	}
	defer rows.Close()

	seed := make(map[string]any)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("catalog: world seed: %w", err)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("catalog: world seed %q: %w", key, err)
		}
		seed[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: world seed: %w", err)
	}
	return seed, nil
}

func (s *PostgresStore) UpdateNPCState(ctx context.Context, id, status, goal string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE characters SET status = $2, goal = $3 WHERE id = $1 AND if_npc`, id, status, goal)
	if err != nil {
		return fmt.Errorf("catalog: update npc %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog: npc %q: %w", id, keeper.ErrEntityMissing)
	}
	return nil
}

// rowAsIntMap runs a single-row query and returns its columns as a
// name→value map. A missing row yields an empty map; the sheet sections are
// optional per character.
func (s *PostgresStore) rowAsIntMap(ctx context.Context, query, id string) (map[string]int, error) {
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[string]int)
	if !rows.Next() {
		return m, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	for i, fd := range rows.FieldDescriptions() {
		switch v := values[i].(type) {
		case int64:
			m[fd.Name] = int(v)
		case int32:
			m[fd.Name] = int(v)
		case int16:
			m[fd.Name] = int(v)
		}
	}
	return m, rows.Err()
}
