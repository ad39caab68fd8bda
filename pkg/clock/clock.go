// Package clock implements the antichain "head clock" type that tracks an
// entity's causal frontier, per spec.md section 3 "Clock and causal relations".
package clock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ankurah-go/ankurah/pkg/id"
)

// Clock is an ordered antichain of event ids: the minimal frontier whose
// application yields the current state. No member may be an ancestor of
// another member (enforced by the event DAG layer, not by this type).
type Clock struct {
	members []id.EventId
}

// New builds a Clock from a set of event ids, deduplicating and sorting.
func New(ids ...id.EventId) Clock {
	c := Clock{members: append([]id.EventId(nil), ids...)}
	c.normalize()
	return c
}

// Empty returns the genesis clock (no parent events).
func Empty() Clock { return Clock{} }

func (c *Clock) normalize() {
	sort.Slice(c.members, func(i, j int) bool { return c.members[i].Compare(c.members[j]) < 0 })
	out := c.members[:0]
	var prev *id.EventId
	for i := range c.members {
		m := c.members[i]
		if prev != nil && prev.Compare(m) == 0 {
			continue
		}
		out = append(out, m)
		prevCopy := m
		prev = &prevCopy
	}
	c.members = out
}

// Members returns the sorted, deduplicated member event ids.
func (c Clock) Members() []id.EventId { return c.members }

func (c Clock) Len() int { return len(c.members) }

func (c Clock) IsEmpty() bool { return len(c.members) == 0 }

// Contains reports whether eid is a member of this clock's frontier.
func (c Clock) Contains(eid id.EventId) bool {
	for _, m := range c.members {
		if m.Compare(eid) == 0 {
			return true
		}
	}
	return false
}

// With returns a new Clock with eid inserted (idempotent).
func (c Clock) With(eid id.EventId) Clock {
	n := Clock{members: append(append([]id.EventId(nil), c.members...), eid)}
	n.normalize()
	return n
}

// Single constructs a one-member clock, the common case after an entity
// commits its own event.
func Single(eid id.EventId) Clock { return Clock{members: []id.EventId{eid}} }

func (c Clock) String() string {
	parts := make([]string, len(c.members))
	for i, m := range c.members {
		parts[i] = m.Short()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// MarshalBinary/UnmarshalBinary let encoding/gob serialize Clock
// correctly despite its members field being unexported, per spec.md
// section 6 "Wire": "Clocks serialize as sorted arrays of event IDs."
func (c Clock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, len(c.members)*32)
	for _, m := range c.members {
		buf = append(buf, m.Bytes()...)
	}
	return buf, nil
}

func (c *Clock) UnmarshalBinary(b []byte) error {
	if len(b)%32 != 0 {
		return fmt.Errorf("clock wire encoding must be a multiple of 32 bytes, got %d", len(b))
	}
	members := make([]id.EventId, 0, len(b)/32)
	for i := 0; i < len(b); i += 32 {
		eid, err := id.EventIdFromBytes(b[i : i+32])
		if err != nil {
			return err
		}
		members = append(members, eid)
	}
	*c = New(members...)
	return nil
}

// Equal compares two clocks by frontier membership only (no ancestry walk --
// that's CausalRelation's job).
func (c Clock) Equal(o Clock) bool {
	if len(c.members) != len(o.members) {
		return false
	}
	for i := range c.members {
		if c.members[i].Compare(o.members[i]) != 0 {
			return false
		}
	}
	return true
}
