// Package txn implements the local commit path: staging a transaction's
// edits as entity forks, validating and persisting them as events on
// commit, and notifying the reactor -- per spec.md section 4.4 and
// original_source/core/src/entity/transaction.rs's EntityTransaction.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/policy"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/reactor"
	"github.com/ankurah-go/ankurah/pkg/storage"
)

// Deps is the set of node-owned collaborators a transaction needs. It is
// a struct of narrow fields rather than a single "Node" interface so
// this package never imports (and cannot cyclically depend on) the node
// package that constructs it.
type Deps struct {
	Manager   *entity.Manager
	Storage   func(ctx context.Context, collection id.CollectionId) (storage.Collection, error)
	Reactor   *reactor.Reactor
	Policy    policy.Agent
	PolicyCtx policy.ContextData

	// Forward, when set (ephemeral nodes), submits the transaction's
	// events to a durable peer before anything is applied locally, so a
	// rejected commit leaves no local trace. A nil Forward (durable
	// nodes) commits purely locally; peers learn of the events through
	// their subscription update streams.
	Forward func(ctx context.Context, txID id.TransactionId, events []*event.Event) error
}

// draft is one entity staged for commit: either a brand-new entity (in
// which case base is nil) or a fork of an already-resident one.
type draft struct {
	collection id.CollectionId
	base       *entity.Entity // nil for a newly created entity
	work       *entity.Entity // the fork callers mutate through
}

// Transaction stages a batch of entity mutations for atomic commit, per
// spec.md section 4.4. A Transaction is not safe for concurrent use by
// multiple goroutines.
type Transaction struct {
	ID   id.TransactionId
	deps Deps

	mu      sync.Mutex
	drafts  map[id.EntityId]*draft
	order   []id.EntityId // commit order, oldest edit first
	created map[id.EntityId]struct{}
	done    bool
}

// Begin opens a new transaction against deps.
func Begin(deps Deps) *Transaction {
	return &Transaction{
		ID:      id.NewTransactionId(),
		deps:    deps,
		drafts:  make(map[id.EntityId]*draft),
		created: make(map[id.EntityId]struct{}),
	}
}

// Create stages a brand-new entity in collection, built from backends,
// and returns a Mutable handle for the caller's generated setters to
// write through. The entity is interned into the manager immediately
// (in an uncommitted state) so concurrent Get calls within the same
// process observe it, per spec.md section 4.2's "branch entities."
func (t *Transaction) Create(ctx context.Context, collection id.CollectionId, backends map[string]property.Backend) (*entity.Mutable, error) {
	if t.deps.Policy != nil && !t.deps.Policy.CreateInCollection(t.deps.PolicyCtx, collection).Allowed() {
		return nil, fmt.Errorf("create in collection %q: %w", collection, errs.ErrPolicyDenied)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("transaction %s already finished", t.ID)
	}

	e := entity.New(id.NewEntityId(), collection, backends)
	t.deps.Manager.Insert(e)
	t.drafts[e.ID] = &draft{collection: collection, base: nil, work: e}
	t.order = append(t.order, e.ID)
	t.created[e.ID] = struct{}{}
	return e.AsMutable(), nil
}

// Edit stages a fork of the resident entity entityId for mutation. The
// fork's head is the resident entity's head at the moment of the call;
// Commit fails the whole transaction if that head has moved by the time
// it runs (a concurrent local writer raced this one), per spec.md
// section 4.4's "Conflict handling" for the local, single-writer case.
func (t *Transaction) Edit(ctx context.Context, entityId id.EntityId) (*entity.Mutable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("transaction %s already finished", t.ID)
	}
	if existing, ok := t.drafts[entityId]; ok {
		return existing.work.AsMutable(), nil
	}

	resident, ok := t.deps.Manager.Get(entityId)
	if !ok {
		return nil, fmt.Errorf("edit entity %s: %w", entityId, &errs.EntityNotFound{ID: entityId})
	}
	if t.deps.Policy != nil && !t.deps.Policy.ModifyEntity(t.deps.PolicyCtx, resident.Collection, entityId).Allowed() {
		return nil, fmt.Errorf("modify entity %s: %w", entityId, errs.ErrPolicyDenied)
	}

	fork := resident.Fork()
	t.drafts[entityId] = &draft{collection: resident.Collection, base: resident, work: fork}
	t.order = append(t.order, entityId)
	return fork.AsMutable(), nil
}

// Commit validates every staged draft, persists one event plus updated
// state per entity with real changes, applies those events onto the
// resident entities, and notifies the reactor -- per spec.md section
// 4.4's commit contract. On any failure the transaction is left
// uncommitted; callers should call Rollback.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction %s already finished", t.ID)
	}

	type pendingCommit struct {
		d   *draft
		ev  *event.Event
		buf map[string][]byte
	}
	var pending []pendingCommit

	for _, entityId := range t.order {
		d := t.drafts[entityId]

		// d.work.View().Head() is the head the fork was created with (Fork
		// copies the base's head verbatim); if the base's current head has
		// since moved, a concurrent local transaction committed first.
		parent := d.work.View().Head()
		if d.base != nil && !d.base.View().Head().Equal(parent) {
			return fmt.Errorf("commit entity %s: %w", entityId, errPhantomConflict)
		}

		ops, err := d.work.ToOperations()
		if err != nil {
			return fmt.Errorf("commit entity %s: %w", entityId, &errs.MutationError{Kind: errs.MutationFailedStep, Err: err})
		}
		if len(ops) == 0 {
			continue
		}

		ev := event.New(d.collection, entityId, parent, ops)
		buf, err := d.work.ToStateBuffers()
		if err != nil {
			return fmt.Errorf("commit entity %s: %w", entityId, err)
		}
		pending = append(pending, pendingCommit{d: d, ev: ev, buf: buf})
	}

	if t.deps.Forward != nil && len(pending) > 0 {
		events := make([]*event.Event, 0, len(pending))
		for _, pc := range pending {
			events = append(events, pc.ev)
		}
		if err := t.deps.Forward(ctx, t.ID, events); err != nil {
			return fmt.Errorf("transaction %s: forward to durable peer: %w", t.ID, err)
		}
	}

	var batch []reactor.EntityChange
	for _, pc := range pending {
		coll, err := t.deps.Storage(ctx, pc.d.collection)
		if err != nil {
			return fmt.Errorf("commit entity %s: resolve collection: %w", pc.ev.EntityId, err)
		}
		if _, err := coll.AddEvent(ctx, pc.ev); err != nil {
			return fmt.Errorf("commit entity %s: %w", pc.ev.EntityId, &errs.RetrievalError{Err: err})
		}

		target := pc.d.base
		if target == nil {
			target = pc.d.work
		}
		if err := target.ApplyReadySet(&event.ReadySet{Events: []*event.Event{pc.ev}}); err != nil {
			return fmt.Errorf("commit entity %s: apply event: %w", pc.ev.EntityId, err)
		}

		state := storage.State{Backends: pc.buf, Head: target.View().Head(), Values: target.PropertyValues()}
		if _, err := coll.SetState(ctx, pc.ev.EntityId, state); err != nil {
			return fmt.Errorf("commit entity %s: %w", pc.ev.EntityId, &errs.RetrievalError{Err: err})
		}

		batch = append(batch, reactor.EntityChange{Entity: target, Events: []*event.Event{pc.ev}})
	}

	for _, entityId := range t.order {
		if d := t.drafts[entityId]; d.base == nil {
			d.work.MarkCommitted()
		}
	}
	t.done = true

	if t.deps.Reactor != nil && len(batch) > 0 {
		if err := t.deps.Reactor.NotifyEventBatch(ctx, batch); err != nil {
			return fmt.Errorf("transaction %s: notify reactor: %w", t.ID, err)
		}
	}
	return nil
}

// Rollback discards every staged draft. Entities created by this
// transaction are evicted from the manager before any goroutine waiting
// on their commit state is released, per spec.md section 4.2's ordering
// requirement.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	for entityId := range t.created {
		t.deps.Manager.Remove(entityId)
	}
	for entityId := range t.created {
		t.drafts[entityId].work.MarkCommitted()
	}
	t.done = true
}

var errPhantomConflict = fmt.Errorf("entity head advanced since this transaction began edits: %w", errs.ErrInvalidEvent)
