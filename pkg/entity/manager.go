package entity

import (
	"fmt"
	"sync"
	"weak"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
)

// BackendFactory builds a fresh, empty backend set for a newly-interned
// entity -- the generated model (out of spec.md's scope) supplies this,
// since it alone knows which backend kinds a collection's entities use.
type BackendFactory func() map[string]property.Backend

// Manager is the process-wide strong-map-of-weak-handles spec.md section
// 9 describes: entities are looked up by id, and a resident entity is
// shared by every caller instead of being re-materialized per call, but
// the manager itself holds no strong reference that would keep an
// otherwise-unreferenced entity alive forever.
type Manager struct {
	mu      sync.Mutex
	entries map[id.EntityId]weak.Pointer[Entity]
}

func NewManager() *Manager {
	return &Manager{entries: make(map[id.EntityId]weak.Pointer[Entity])}
}

// Get returns the resident entity for id, if any live handle remains.
func (m *Manager) Get(entityId id.EntityId) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(entityId)
}

func (m *Manager) getLocked(entityId id.EntityId) (*Entity, bool) {
	w, ok := m.entries[entityId]
	if !ok {
		return nil, false
	}
	e := w.Value()
	if e == nil {
		delete(m.entries, entityId)
		return nil, false
	}
	return e, true
}

// Insert registers e under its own id, replacing any stale weak entry.
func (m *Manager) Insert(e *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = weak.Make(e)
}

// Remove evicts id unconditionally -- used by transaction rollback to
// make a created entity vanish before waiters are woken, per spec.md
// section 4.2: "on rollback, the entity is removed from the map before
// any waiters are woken."
func (m *Manager) Remove(entityId id.EntityId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entityId)
}

// WithState interns-or-constructs an entity for (id, collection), per
// spec.md section 4.2: if an entity with this id is already resident, the
// incoming state buffers are merged into it (rehydration, trusting the
// resident's own head over the caller's since it may already be ahead of
// what storage has flushed); otherwise a new entity is materialized from
// those buffers using newBackends to build the initial (empty) backend
// set, with its head seeded from head so later lineage comparisons against
// it start from the right place instead of treating it as a fresh genesis.
func (m *Manager) WithState(entityId id.EntityId, collection id.CollectionId, newBackends BackendFactory, state map[string][]byte, head clock.Clock) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.getLocked(entityId); ok {
		e.mu.Lock()
		for name, buf := range state {
			b, ok := e.Backends[name]
			if !ok {
				e.mu.Unlock()
				return nil, fmt.Errorf("entity %s: resident entity has no %q backend to rehydrate", entityId, name)
			}
			if err := b.FromStateBuffer(buf); err != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("entity %s: rehydrate %q: %w", entityId, name, err)
			}
		}
		e.mu.Unlock()
		return e, nil
	}

	backends := newBackends()
	for name, buf := range state {
		b, ok := backends[name]
		if !ok {
			return nil, fmt.Errorf("entity %s: no %q backend in factory for incoming state", entityId, name)
		}
		if err := b.FromStateBuffer(buf); err != nil {
			return nil, fmt.Errorf("entity %s: decode %q state: %w", entityId, name, err)
		}
	}
	e := New(entityId, collection, backends)
	e.Head = head
	e.MarkCommitted()
	m.entries[entityId] = weak.Make(e)
	return e, nil
}

// Len reports the number of still-live resident entities, pruning stale
// weak entries as it goes. Intended for tests and diagnostics, not the
// hot path.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for entityId, w := range m.entries {
		if w.Value() == nil {
			delete(m.entries, entityId)
			continue
		}
		n++
	}
	return n
}
