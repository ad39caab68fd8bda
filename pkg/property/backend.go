// Package property defines the uniform contract every property
// conflict-resolution backend implements (spec.md section 4.1), plus the
// shared Operation payload type threaded through events.
package property

import (
	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/value"
)

// Operation is one backend-specific diff, opaque to everything above the
// backend that produced it. An event carries a []Operation per backend name.
type Operation struct {
	Diff []byte
}

// Backend is the uniform contract every property conflict-resolution
// strategy implements, per spec.md section 4.1.
type Backend interface {
	// Fork snapshots this backend for a transactional branch.
	Fork() Backend

	// ToStateBuffer produces the canonical serialization of the full
	// property state, for storage and for rehydrating an interned entity.
	ToStateBuffer() ([]byte, error)

	// FromStateBuffer replaces this backend's state with the decoded buffer.
	FromStateBuffer([]byte) error

	// ToOperations emits pending operations (diff since the last commit)
	// for inclusion in an event.
	ToOperations() ([]Operation, error)

	// ApplyOperations merges ops into the live state. currentHead is the
	// clock before this application; eventHead is the producing event's
	// parent clock, which is compared against currentHead to determine
	// resolution (see each backend's ApplyOperations doc).
	ApplyOperations(ops []Operation, currentHead, eventHead clock.Clock) error

	// PropertyValues extracts current materialized values for indexing
	// and predicate evaluation.
	PropertyValues() map[string]value.Value

	// Name identifies this backend kind on the wire and in storage keys.
	Name() string
}

// Transaction is the interface for a backend's atomic per-commit session.
// No backend in this module implements it; commits go through
// Backend.ToOperations and ApplyOperations instead.
type Transaction interface {
	Commit() error
	Rollback() error
}
