// Package ref implements the entity-reference property backend: a
// pointer from one entity to another, resolved last-write-wins just like
// a scalar LWW property, ported from
// original_source/core/src/property/backend/entity_ref.rs.
package ref

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/value"
)

const Name = "entity_ref"

type Backend struct {
	mu    sync.RWMutex
	refs  map[string]*id.EntityId // nil means explicitly cleared
	dirty map[string]struct{}
}

func New() *Backend {
	return &Backend{refs: make(map[string]*id.EntityId), dirty: make(map[string]struct{})}
}

func (b *Backend) Name() string { return Name }

// Set points prop at target.
func (b *Backend) Set(prop string, target id.EntityId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := target
	b.refs[prop] = &t
	b.dirty[prop] = struct{}{}
}

// Clear removes prop's reference entirely.
func (b *Backend) Clear(prop string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[prop] = nil
	b.dirty[prop] = struct{}{}
}

func (b *Backend) Get(prop string) (id.EntityId, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.refs[prop]
	if !ok || t == nil {
		return id.EntityId{}, false
	}
	return *t, true
}

func (b *Backend) Fork() property.Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cloned := make(map[string]*id.EntityId, len(b.refs))
	for k, v := range b.refs {
		if v == nil {
			cloned[k] = nil
			continue
		}
		t := *v
		cloned[k] = &t
	}
	return &Backend{refs: cloned, dirty: make(map[string]struct{})}
}

type wireEntry struct {
	Cleared bool   `json:"cleared"`
	Target  string `json:"target,omitempty"`
}

func (b *Backend) ToStateBuffer() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]wireEntry, len(b.refs))
	for k, v := range b.refs {
		if v == nil {
			out[k] = wireEntry{Cleared: true}
			continue
		}
		out[k] = wireEntry{Target: v.String()}
	}
	return json.Marshal(out)
}

func (b *Backend) FromStateBuffer(buf []byte) error {
	var raw map[string]wireEntry
	if err := json.Unmarshal(buf, &raw); err != nil {
		return err
	}
	refs := make(map[string]*id.EntityId, len(raw))
	for k, entry := range raw {
		if entry.Cleared || entry.Target == "" {
			refs[k] = nil
			continue
		}
		eid, err := id.EntityIdFromString(entry.Target)
		if err != nil {
			return err
		}
		refs[k] = &eid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs = refs
	b.dirty = make(map[string]struct{})
	return nil
}

func (b *Backend) ToOperations() ([]property.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dirty) == 0 {
		return nil, nil
	}
	props := make([]string, 0, len(b.dirty))
	for p := range b.dirty {
		props = append(props, p)
	}
	sort.Strings(props)

	payload := make(map[string]wireEntry, len(props))
	for _, p := range props {
		v := b.refs[p]
		if v == nil {
			payload[p] = wireEntry{Cleared: true}
			continue
		}
		payload[p] = wireEntry{Target: v.String()}
	}
	b.dirty = make(map[string]struct{})
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []property.Operation{{Diff: raw}}, nil
}

// ApplyOperations overwrites unconditionally, same last-write-wins
// contract as the scalar lww backend: it does not compare clocks or ids.
// The caller applies concurrent events in ascending event id order, so
// the greatest id is written last.
func (b *Backend) ApplyOperations(ops []property.Operation, _, _ clock.Clock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		var payload map[string]wireEntry
		if err := json.Unmarshal(op.Diff, &payload); err != nil {
			return err
		}
		for prop, entry := range payload {
			if entry.Cleared || entry.Target == "" {
				b.refs[prop] = nil
				continue
			}
			eid, err := id.EntityIdFromString(entry.Target)
			if err != nil {
				return err
			}
			b.refs[prop] = &eid
		}
	}
	return nil
}

func (b *Backend) PropertyValues() map[string]value.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]value.Value, len(b.refs))
	for prop, v := range b.refs {
		if v == nil {
			out[prop] = value.Null()
			continue
		}
		out[prop] = value.EntityRef(*v)
	}
	return out
}

var _ property.Backend = (*Backend)(nil)
