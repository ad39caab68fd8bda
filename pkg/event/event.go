// Package event implements the causal DAG: the Event type, the
// CausalNavigator abstraction for lineage comparison, the comparison
// algorithm itself, and the ForwardView that turns a comparison result
// into an ordered stream of ready-to-apply event sets. Grounded on
// spec.md section 4.3 and original_source/core/src/event_dag/{navigator,relation,traits}.rs.
package event

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
)

// Event is the immutable, content-addressed unit of change for one
// entity. Parent is the clock that existed before this event was
// applied; it is empty exactly when this is the entity's genesis event.
type Event struct {
	ID         id.EventId
	Collection id.CollectionId
	EntityId   id.EntityId
	Parent     clock.Clock
	Operations map[string][]property.Operation
}

// IsGenesis reports whether this event has no parent clock.
func (e *Event) IsGenesis() bool { return e.Parent.IsEmpty() }

// New computes the event's content-addressed id from its fields and
// returns the fully populated Event. Because the id is a hash of the
// canonical encoding, two calls with identical fields always produce
// identical ids -- the idempotent-insert invariant from spec.md section 3.
func New(collection id.CollectionId, entityId id.EntityId, parent clock.Clock, operations map[string][]property.Operation) *Event {
	ev := &Event{Collection: collection, EntityId: entityId, Parent: parent, Operations: operations}
	ev.ID = id.NewEventId(canonicalize(ev))
	return ev
}

// canonicalize produces a deterministic byte encoding of everything but
// the id itself, suitable for content-addressed hashing. Backend names
// are sorted so that unordered map iteration never perturbs the hash;
// operations within a backend keep their original (causally meaningful)
// order.
func canonicalize(e *Event) []byte {
	var buf bytes.Buffer
	writeString(&buf, string(e.Collection))
	buf.Write(e.EntityId.Bytes())

	members := e.Parent.Members()
	writeUvarint(&buf, uint64(len(members)))
	for _, m := range members {
		buf.Write(m.Bytes())
	}

	names := make([]string, 0, len(e.Operations))
	for name := range e.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	writeUvarint(&buf, uint64(len(names)))
	for _, name := range names {
		writeString(&buf, name)
		ops := e.Operations[name]
		writeUvarint(&buf, uint64(len(ops)))
		for _, op := range ops {
			writeUvarint(&buf, uint64(len(op.Diff)))
			buf.Write(op.Diff)
		}
	}
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
