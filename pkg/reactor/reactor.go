package reactor

import (
	"context"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/sirupsen/logrus"
)

// dispatchJob is one NotifyEventBatch call queued for the reactor's
// single dispatch goroutine, ported from the "one goroutine owns
// delivery order" shape of
// controller/api/destination/endpoint_stream_dispatcher.go.
type dispatchJob struct {
	batch []EntityChange
	done  chan error
}

// Reactor is the predicate-indexed subscription engine of spec.md
// section 4.5.
type Reactor struct {
	log *logrus.Entry

	mu         sync.RWMutex
	ix         *indexes
	subs       map[id.ReactorSubscriptionId]*Subscription
	queryOwner map[id.QueryId]id.ReactorSubscriptionId
	queryByID  map[id.QueryId]*query
	membership map[id.QueryId]map[id.EntityId]bool
	watchers   map[id.EntityId]map[id.ReactorSubscriptionId]struct{}
	lastValues map[id.EntityId]map[string]value.Value

	jobs      chan *dispatchJob
	done      chan struct{}
	closeOnce sync.Once
}

func New(log *logrus.Entry) *Reactor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Reactor{
		log:        log.WithField("component", "reactor"),
		ix:         newIndexes(),
		subs:       make(map[id.ReactorSubscriptionId]*Subscription),
		queryOwner: make(map[id.QueryId]id.ReactorSubscriptionId),
		queryByID:  make(map[id.QueryId]*query),
		membership: make(map[id.QueryId]map[id.EntityId]bool),
		watchers:   make(map[id.EntityId]map[id.ReactorSubscriptionId]struct{}),
		lastValues: make(map[id.EntityId]map[string]value.Value),
		jobs:       make(chan *dispatchJob, 256),
		done:       make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the dispatch goroutine. Pending jobs already queued are
// still processed before it exits.
func (r *Reactor) Close() {
	r.closeOnce.Do(func() { close(r.jobs) })
	<-r.done
}

func (r *Reactor) loop() {
	defer close(r.done)
	for job := range r.jobs {
		job.done <- r.process(job.batch)
	}
}

// NewSubscription creates an empty subscription. Queries and entity
// watchers are added to it with AddQuery/AddEntitySubscriptions.
func (r *Reactor) NewSubscription() *Subscription {
	sub := newSubscription(r)
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	activeSubscriptions.Inc()
	return sub
}

func (r *Reactor) dropSubscription(sub *Subscription) {
	r.mu.Lock()
	sub.mu.Lock()
	for qid, q := range sub.queries {
		r.ix.unregister(q.collection, qid, q.predicate)
		delete(r.queryOwner, qid)
		delete(r.queryByID, qid)
		delete(r.membership, qid)
	}
	for entityId := range sub.entitySubs {
		removeWatcher(r.watchers, entityId, sub.ID)
	}
	sub.mu.Unlock()
	delete(r.subs, sub.ID)
	r.mu.Unlock()
	activeSubscriptions.Dec()
}

// AddQuery registers a new predicate within sub, evaluates it
// synchronously against initial (the caller's already-fetched candidate
// entities), seeds membership, and dispatches an Initial ReactorUpdate
// for whichever entities match -- per spec.md section 4.5 "Lifecycle and
// ordering."
func (r *Reactor) AddQuery(sub *Subscription, collection id.CollectionId, pred *predicate.Predicate, initial []*entity.Entity) (id.QueryId, error) {
	q := &query{id: id.NewQueryId(), collection: collection, predicate: pred}

	r.mu.Lock()
	r.ix.register(collection, q.id, pred)
	r.queryOwner[q.id] = sub.ID
	r.queryByID[q.id] = q
	membership := make(map[id.EntityId]bool)
	r.membership[q.id] = membership
	r.mu.Unlock()

	sub.mu.Lock()
	sub.queries[q.id] = q
	sub.mu.Unlock()

	var items []ReactorUpdateItem
	for _, e := range initial {
		values := e.PropertyValues()
		matched, err := pred.Evaluate(values)
		if err != nil {
			r.log.WithError(err).WithField("entity", e.ID.String()).Warn("initial predicate evaluation failed")
			continue
		}
		// Non-matches are recorded too: a later transition to matching is
		// then an Add rather than a first-evaluation Initial.
		r.mu.Lock()
		membership[e.ID] = matched
		r.lastValues[e.ID] = values
		r.mu.Unlock()
		if !matched {
			continue
		}
		items = append(items, ReactorUpdateItem{
			EntityID:           e.ID,
			Entity:             e,
			PredicateRelevance: []PredicateRelevance{{QueryID: q.id, Change: Initial}},
		})
	}
	if len(items) > 0 {
		sub.out.Emit(ReactorUpdate{SubscriptionID: sub.ID, Items: items})
		dispatchedUpdates.Inc()
	}
	return q.id, nil
}

// UpdateSelection replaces queryId's predicate and emits the Add/Remove
// diff relative to the previous membership, per spec.md section 4.5.
func (r *Reactor) UpdateSelection(sub *Subscription, queryId id.QueryId, newPred *predicate.Predicate, initial []*entity.Entity) error {
	sub.mu.Lock()
	q, ok := sub.queries[queryId]
	sub.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	r.ix.unregister(q.collection, queryId, q.predicate)
	r.ix.register(q.collection, queryId, newPred)
	oldMembership := r.membership[queryId]
	newMembership := make(map[id.EntityId]bool)
	r.membership[queryId] = newMembership
	r.mu.Unlock()

	q.predicate = newPred
	sub.mu.Lock()
	sub.queries[queryId].predicate = newPred
	sub.mu.Unlock()

	var items []ReactorUpdateItem
	seen := make(map[id.EntityId]struct{})
	for _, e := range initial {
		seen[e.ID] = struct{}{}
		values := e.PropertyValues()
		matched, err := newPred.Evaluate(values)
		if err != nil {
			r.log.WithError(err).Warn("update_selection predicate evaluation failed")
			continue
		}
		wasMatched := oldMembership[e.ID]
		r.mu.Lock()
		newMembership[e.ID] = matched
		r.mu.Unlock()
		switch {
		case matched && !wasMatched:
			items = append(items, ReactorUpdateItem{EntityID: e.ID, Entity: e, PredicateRelevance: []PredicateRelevance{{QueryID: queryId, Change: Add}}})
		case !matched && wasMatched:
			items = append(items, ReactorUpdateItem{EntityID: e.ID, Entity: e, PredicateRelevance: []PredicateRelevance{{QueryID: queryId, Change: Remove}}})
		}
	}
	// Anything that matched the old predicate but wasn't in the provided
	// candidate set at all is no longer observable locally -- treat as Remove.
	for entityId, wasMatched := range oldMembership {
		if !wasMatched {
			continue
		}
		if _, ok := seen[entityId]; !ok {
			items = append(items, ReactorUpdateItem{EntityID: entityId, PredicateRelevance: []PredicateRelevance{{QueryID: queryId, Change: Remove}}})
		}
	}
	if len(items) > 0 {
		sub.out.Emit(ReactorUpdate{SubscriptionID: sub.ID, Items: items})
		dispatchedUpdates.Inc()
	}
	return nil
}

// RemoveQuery drops queryId from sub and the reactor's indexes.
func (r *Reactor) RemoveQuery(sub *Subscription, queryId id.QueryId) {
	sub.mu.Lock()
	q, ok := sub.queries[queryId]
	if ok {
		delete(sub.queries, queryId)
	}
	sub.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.ix.unregister(q.collection, queryId, q.predicate)
	delete(r.queryOwner, queryId)
	delete(r.queryByID, queryId)
	delete(r.membership, queryId)
	r.mu.Unlock()
}

// AddEntitySubscriptions registers explicit watcher interest in ids,
// regardless of any predicate match, per spec.md section 4.6
// subscribe_entities.
func (r *Reactor) AddEntitySubscriptions(sub *Subscription, ids []id.EntityId) {
	sub.mu.Lock()
	for _, entityId := range ids {
		sub.entitySubs[entityId] = struct{}{}
	}
	sub.mu.Unlock()

	r.mu.Lock()
	for _, entityId := range ids {
		set, ok := r.watchers[entityId]
		if !ok {
			set = make(map[id.ReactorSubscriptionId]struct{})
			r.watchers[entityId] = set
		}
		set[sub.ID] = struct{}{}
	}
	r.mu.Unlock()
}

func (r *Reactor) RemoveEntitySubscriptions(sub *Subscription, ids []id.EntityId) {
	sub.mu.Lock()
	for _, entityId := range ids {
		delete(sub.entitySubs, entityId)
	}
	sub.mu.Unlock()

	r.mu.Lock()
	for _, entityId := range ids {
		removeWatcher(r.watchers, entityId, sub.ID)
	}
	r.mu.Unlock()
}

func removeWatcher(watchers map[id.EntityId]map[id.ReactorSubscriptionId]struct{}, entityId id.EntityId, subID id.ReactorSubscriptionId) {
	set, ok := watchers[entityId]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(watchers, entityId)
	}
}

// NotifyEventBatch is invoked after a transaction commits, per spec.md
// section 4.5 "Contract." It is queued to the reactor's single dispatch
// goroutine so that notifications for concurrently-committing
// transactions are still emitted in a well-defined, serialized order.
func (r *Reactor) NotifyEventBatch(ctx context.Context, batch []EntityChange) error {
	job := &dispatchJob{batch: batch, done: make(chan error, 1)}
	select {
	case r.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) process(batch []EntityChange) error {
	dispatchedBatches.Inc()
	// perSub accumulates items in batch (mutation) order across all
	// entities touched by this transaction, per spec.md section 4.5
	// "Ordering."
	perSub := make(map[id.ReactorSubscriptionId][]ReactorUpdateItem)
	var subOrder []id.ReactorSubscriptionId
	seenSub := make(map[id.ReactorSubscriptionId]struct{})

	appendItem := func(subID id.ReactorSubscriptionId, item ReactorUpdateItem) {
		if _, ok := seenSub[subID]; !ok {
			seenSub[subID] = struct{}{}
			subOrder = append(subOrder, subID)
		}
		perSub[subID] = append(perSub[subID], item)
	}

	for _, ch := range batch {
		entityId := ch.Entity.ID
		newValues := ch.Entity.PropertyValues()

		r.mu.Lock()
		oldValues := r.lastValues[entityId]
		r.lastValues[entityId] = newValues
		changedFields := diffFields(oldValues, newValues)
		candidates := r.ix.candidates(ch.Entity.Collection, changedFields)
		watcherSubs := make([]id.ReactorSubscriptionId, 0, len(r.watchers[entityId]))
		for subID := range r.watchers[entityId] {
			watcherSubs = append(watcherSubs, subID)
		}
		r.mu.Unlock()

		relevanceBySub := make(map[id.ReactorSubscriptionId][]PredicateRelevance)
		implicitUpdateSubs := make(map[id.ReactorSubscriptionId]struct{})

		for qid := range candidates {
			r.mu.Lock()
			q := r.queryByID[qid]
			subID, owned := r.queryOwner[qid]
			membership := r.membership[qid]
			r.mu.Unlock()
			if q == nil || !owned {
				continue
			}

			matched, err := q.predicate.Evaluate(newValues)
			if err != nil {
				r.log.WithError(err).WithField("entity", entityId.String()).Warn("predicate evaluation failed; suppressing for this subscriber")
				continue
			}

			r.mu.Lock()
			prevMatched, known := membership[entityId]
			switch {
			case !known && matched:
				membership[entityId] = true
				relevanceBySub[subID] = append(relevanceBySub[subID], PredicateRelevance{QueryID: qid, Change: Initial})
			case known && !prevMatched && matched:
				membership[entityId] = true
				relevanceBySub[subID] = append(relevanceBySub[subID], PredicateRelevance{QueryID: qid, Change: Add})
			case known && prevMatched && !matched:
				// Kept as a false entry (not deleted) so a future re-match
				// reports Add, not Initial.
				membership[entityId] = false
				relevanceBySub[subID] = append(relevanceBySub[subID], PredicateRelevance{QueryID: qid, Change: Remove})
			case known && prevMatched && matched:
				implicitUpdateSubs[subID] = struct{}{}
			}
			r.mu.Unlock()
		}

		for _, subID := range watcherSubs {
			implicitUpdateSubs[subID] = struct{}{}
		}

		allSubs := make(map[id.ReactorSubscriptionId]struct{}, len(relevanceBySub)+len(implicitUpdateSubs))
		for subID := range relevanceBySub {
			allSubs[subID] = struct{}{}
		}
		for subID := range implicitUpdateSubs {
			allSubs[subID] = struct{}{}
		}

		watcherSet := make(map[id.ReactorSubscriptionId]struct{}, len(watcherSubs))
		for _, subID := range watcherSubs {
			watcherSet[subID] = struct{}{}
		}

		for subID := range allSubs {
			_, subscribed := watcherSet[subID]
			appendItem(subID, ReactorUpdateItem{
				EntityID:           entityId,
				Entity:             ch.Entity,
				Events:             ch.Events,
				EntitySubscribed:   subscribed,
				PredicateRelevance: relevanceBySub[subID],
			})
		}
	}

	for _, subID := range subOrder {
		r.mu.RLock()
		sub, ok := r.subs[subID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		sub.out.Emit(ReactorUpdate{SubscriptionID: subID, Items: perSub[subID]})
		dispatchedUpdates.Inc()
	}
	return nil
}

func diffFields(old, cur map[string]value.Value) []string {
	var changed []string
	for k, v := range cur {
		prev, ok := old[k]
		if !ok || !prev.Equal(v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}
