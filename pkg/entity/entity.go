// Package entity implements the runtime entity object: a composition of
// property backends plus head-clock/commit-state metadata, and the
// process-wide weak-handle manager that interns them, per spec.md section
// 4.2 and original_source/core/src/traits.rs's Context/ContextData split.
package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/value"
)

// commitState tracks whether an entity created inside a still-open
// transaction has been committed yet, and lets other goroutines wait for
// that to happen without polling -- the "pending commit state" /
// "completion_signal" spec.md section 4.2/4.4 describe.
type commitState struct {
	mu        sync.Mutex
	committed bool
	done      chan struct{}
}

func newCommitState() *commitState { return &commitState{done: make(chan struct{})} }

func (c *commitState) markCommitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed {
		return
	}
	c.committed = true
	close(c.done)
}

func (c *commitState) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entity is the mutable in-memory composition of backends that spec.md
// section 3 describes: an immutable id/collection, a head clock, and one
// property.Backend per backend kind (a backend owns a subset of the
// entity's properties, not the other way around).
type Entity struct {
	mu         sync.RWMutex
	ID         id.EntityId
	Collection id.CollectionId
	Head       clock.Clock
	Backends   map[string]property.Backend
	state      *commitState
}

// New constructs a fresh, headless entity (genesis state) from an
// already-assembled backend set -- the set of backend kinds is closed
// per spec.md section 9, so callers (typically a generated model's
// initialize_new_entity) supply exactly the backends that model needs.
func New(entityId id.EntityId, collection id.CollectionId, backends map[string]property.Backend) *Entity {
	return &Entity{ID: entityId, Collection: collection, Backends: backends, state: newCommitState()}
}

// MarkCommitted signals waiters that this entity's owning transaction
// has committed -- a no-op for entities that were never pending.
func (e *Entity) MarkCommitted() { e.state.markCommitted() }

// WaitCommitted blocks until MarkCommitted has been called or ctx is done.
func (e *Entity) WaitCommitted(ctx context.Context) error { return e.state.wait(ctx) }

// Fork snapshots every backend for a transactional branch, per spec.md
// section 4.2's "Branch (draft) entities." The fork shares nothing
// mutable with e; edits on the fork only reach e on commit.
func (e *Entity) Fork() *Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	backends := make(map[string]property.Backend, len(e.Backends))
	for name, b := range e.Backends {
		backends[name] = b.Fork()
	}
	return &Entity{ID: e.ID, Collection: e.Collection, Head: e.Head, Backends: backends, state: newCommitState()}
}

// ToOperations collects every backend's pending diff since its last
// commit, keyed by backend name, for inclusion in a new event. Backends
// with nothing pending are omitted so an entity with no real edits
// produces no event (spec.md section 4.4's "if non-empty").
func (e *Entity) ToOperations() (map[string][]property.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]property.Operation)
	for name, b := range e.Backends {
		ops, err := b.ToOperations()
		if err != nil {
			return nil, fmt.Errorf("backend %q ToOperations: %w", name, err)
		}
		if len(ops) > 0 {
			out[name] = ops
		}
	}
	return out, nil
}

// ApplyReadySet applies every event in rs to the matching backends and
// advances Head to the antichain of applied event ids, per spec.md
// section 4.3's "Forward view": events are applied one at a time in the
// ready set's order (ascending event id), each event's operations handed
// to ApplyOperations separately, so for overwrite-style backends the
// greatest concurrent event id is applied last and wins.
func (e *Entity) ApplyReadySet(rs *event.ReadySet) error {
	if rs == nil || len(rs.Events) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	currentHead := e.Head
	ids := make([]id.EventId, 0, len(rs.Events))
	for _, ev := range rs.Events {
		for name, ops := range ev.Operations {
			b, ok := e.Backends[name]
			if !ok {
				return fmt.Errorf("entity %s has no %q backend for event %s", e.ID, name, ev.ID.Short())
			}
			if err := b.ApplyOperations(ops, currentHead, ev.Parent); err != nil {
				return fmt.Errorf("backend %q apply event %s: %w", name, ev.ID.Short(), err)
			}
		}
		ids = append(ids, ev.ID)
	}
	e.Head = clock.New(ids...)
	return nil
}

// PropertyValues merges every backend's materialized values into one map
// for predicate evaluation and view construction.
func (e *Entity) PropertyValues() map[string]value.Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]value.Value)
	for _, b := range e.Backends {
		for prop, v := range b.PropertyValues() {
			out[prop] = v
		}
	}
	return out
}

// ToStateBuffers serializes every backend's full state, for storage.
func (e *Entity) ToStateBuffers() (map[string][]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]byte, len(e.Backends))
	for name, b := range e.Backends {
		buf, err := b.ToStateBuffer()
		if err != nil {
			return nil, fmt.Errorf("backend %q ToStateBuffer: %w", name, err)
		}
		out[name] = buf
	}
	return out, nil
}

// View is an immutable handle onto an entity's current materialized
// property values, per spec.md section 4.2.
type View struct{ entity *Entity }

func (e *Entity) View() *View { return &View{entity: e} }

func (v *View) ID() id.EntityId                 { return v.entity.ID }
func (v *View) Collection() id.CollectionId     { return v.entity.Collection }
func (v *View) Head() clock.Clock               { v.entity.mu.RLock(); defer v.entity.mu.RUnlock(); return v.entity.Head }
func (v *View) Values() map[string]value.Value  { return v.entity.PropertyValues() }
func (v *View) Entity() *Entity                 { return v.entity }

// Mutable is a per-transaction edit handle: it exposes each backend by
// name so a generated model's typed setters can reach the backend they
// need. At the core level a mutable is just a named view into the
// backend set, per spec.md section 4.2's closing sentence.
type Mutable struct{ entity *Entity }

func (e *Entity) AsMutable() *Mutable { return &Mutable{entity: e} }

func (m *Mutable) Entity() *Entity { return m.entity }

func (m *Mutable) Backend(name string) (property.Backend, bool) {
	m.entity.mu.RLock()
	defer m.entity.mu.RUnlock()
	b, ok := m.entity.Backends[name]
	return b, ok
}
