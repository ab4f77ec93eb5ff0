// Package keeper defines the error kinds shared across the turn pipeline.
//
// Stages and stores classify their failures into one of these sentinels so
// that the turn runner and the HTTP layer can apply the recovery policy
// uniformly: entity misses and store outages abort a turn before any commit,
// while precondition mismatches degrade into a narrative refusal. Oracle
// parse failures never cross a package boundary; each stage recovers them
// in place.
package keeper

import "errors"

var (
	// ErrEntityMissing indicates a required store key or catalog row was not
	// found. Fatal for the turn; nothing is committed.
	ErrEntityMissing = errors.New("keeper: entity missing")

	// ErrStoreUnavailable indicates the KV backend cannot be reached.
	// Fatal for the turn; surfaced to clients as 503.
	ErrStoreUnavailable = errors.New("keeper: store unavailable")

	// ErrPreconditionMismatch indicates a player action referenced a target
	// that the current state does not permit, e.g. a move to an inaccessible
	// map. Recovered: the narrative explains the refusal.
	ErrPreconditionMismatch = errors.New("keeper: precondition mismatch")

	// ErrTurnInFlight indicates a second turn was requested for a character
	// whose previous turn has not finished. Clients should retry.
	ErrTurnInFlight = errors.New("keeper: turn already in flight")
)
