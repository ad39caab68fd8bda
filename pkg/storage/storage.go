// Package storage defines the external storage-engine contract spec.md
// section 6 names: concrete engines (Sled, Postgres, SQLite, IndexedDB)
// are out of scope collaborators, but the core depends on this narrow
// interface for state and event persistence plus indexed predicate
// evaluation. Ported from original_source/core/src/traits.rs's
// StorageEngine/StorageCollection.
package storage

import (
	"context"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/value"
)

// State is the persisted form of one entity: its backends' serialized
// state buffers plus its head clock. Values carries the same state
// materialized into typed property values so an engine can index and
// evaluate predicates without knowing how to decode opaque per-backend
// buffers -- the caller (which does know, via entity.Entity) always
// supplies both together.
type State struct {
	Backends map[string][]byte
	Head     clock.Clock
	Values   map[string]value.Value
}

// EntityState pairs an id with its persisted State, the shape
// FetchStates returns.
type EntityState struct {
	ID    id.EntityId
	State State
}

// Engine opens per-collection storage. A single engine instance backs
// every collection a node touches, including the system collection.
type Engine interface {
	Collection(ctx context.Context, collectionId id.CollectionId) (Collection, error)
}

// Collection is the per-collection read/write/query surface spec.md
// section 6 names. Every method must be safe for concurrent use.
type Collection interface {
	// SetState persists state for id, returning whether the stored value
	// actually changed. Idempotent: setting identical state twice reports
	// changed=false the second time.
	SetState(ctx context.Context, entityId id.EntityId, state State) (changed bool, err error)

	// GetState returns the persisted state and head clock for id, or an
	// *errs.EntityNotFound error.
	GetState(ctx context.Context, entityId id.EntityId) (State, error)

	// FetchStates evaluates pred against every stored entity state in
	// this collection and returns the matches.
	FetchStates(ctx context.Context, pred *predicate.Predicate) ([]EntityState, error)

	// AddEvent persists ev, returning whether it was newly inserted
	// (idempotent by event id, per spec.md section 3's invariant).
	AddEvent(ctx context.Context, ev *event.Event) (inserted bool, err error)

	// GetEvents bulk-fetches events by id; missing ids are simply omitted
	// from the result, matching event.Fetcher's contract so a Collection
	// can be handed directly to event.NewLocalNavigator.
	GetEvents(ctx context.Context, ids []id.EventId) ([]*event.Event, error)
}
