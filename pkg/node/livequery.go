package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/peering"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/reactor"
	"github.com/ankurah-go/ankurah/pkg/signals"
)

// ChangeKind discriminates one entity's transition within a ChangeSet.
type ChangeKind uint8

const (
	// ChangeInitial marks an entity matching at subscription time.
	ChangeInitial ChangeKind = iota
	// ChangeAdd marks an entity newly entering the result set.
	ChangeAdd
	// ChangeRemove marks an entity leaving the result set.
	ChangeRemove
	// ChangeUpdate marks an entity that still matches but whose
	// properties changed (no membership transition).
	ChangeUpdate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInitial:
		return "initial"
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeUpdate:
		return "update"
	}
	return "unknown"
}

// Change is one entity's transition, carrying the typed view the query's
// wrap function produced. View is the zero value when the reactor no
// longer holds the entity (a Remove after the entity left the local
// candidate set).
type Change[T any] struct {
	Kind     ChangeKind
	EntityID id.EntityId
	View     T
}

// ChangeSet is the typed counterpart of one reactor.ReactorUpdate,
// delivered atomically per committed transaction.
type ChangeSet[T any] struct {
	Changes []Change[T]
}

// LiveQuery tracks a predicate's membership over time, per spec.md
// section 4.6: it converts reactor updates into typed ChangeSets and
// signals subscribers through a broadcast. Closing it cancels the
// underlying reactor subscription and, on an ephemeral node, sends an
// Unsubscribe update for the remote half.
type LiveQuery[T any] struct {
	node       *Node
	collection id.CollectionId
	sub        *reactor.Subscription
	queryID    id.QueryId
	out        *signals.Broadcast[ChangeSet[T]]
	guard      *signals.ListenerGuard

	mu          sync.Mutex
	remotePeer  id.NodeId
	remoteSubID id.SubscriptionId
	hasRemote   bool
	closed      bool
}

// Query opens a live query over collection, wrapping each affected
// entity's view with wrap. On an ephemeral node with a reachable durable
// peer, the query is mirrored by a wire subscription so remote commits
// flow into the same ChangeSet stream as local ones. The Initial
// ChangeSet is available immediately via Changes().Value().
func Query[T any](c Context, collection id.CollectionId, pred *predicate.Predicate, wrap func(*entity.View) T) (*LiveQuery[T], error) {
	n := c.Node
	if !n.Policy.Subscribe(c.Data, collection, pred).Allowed() {
		return nil, fmt.Errorf("query %s: %w", collection, errs.ErrPolicyDenied)
	}
	views, err := n.Fetch(c, collection, pred)
	if err != nil {
		return nil, err
	}

	lq := &LiveQuery[T]{
		node:       n,
		collection: collection,
		sub:        n.Reactor.NewSubscription(),
		out:        signals.NewBroadcast(ChangeSet[T]{}),
	}
	lq.guard = lq.sub.Updates().Listen(func(upd reactor.ReactorUpdate) {
		lq.out.Emit(convertUpdate(upd, wrap))
	})

	candidates, err := n.subscriptionCandidates(context.Background(), collection, views)
	if err != nil {
		lq.guard.Close()
		lq.sub.Close()
		return nil, err
	}
	known := make([]id.EntityId, 0, len(views))
	for _, v := range views {
		known = append(known, v.ID())
	}
	queryID, err := n.Reactor.AddQuery(lq.sub, collection, pred, candidates)
	if err != nil {
		lq.guard.Close()
		lq.sub.Close()
		return nil, err
	}
	lq.queryID = queryID

	if !n.Config.Durable {
		if peer, ok := n.Peers.AnyDurable(); ok {
			subID, err := n.openRemoteSubscription(peer.NodeID, lq.sub, collection, pred, known)
			if err != nil {
				// Best-effort: the local half still works offline; remote
				// mirroring resumes on the next Query once a peer is back.
				n.log.WithError(err).Warn("live query: remote subscription failed; continuing local-only")
			} else {
				lq.remotePeer = peer.NodeID
				lq.remoteSubID = subID
				lq.hasRemote = true
			}
		}
	}
	return lq, nil
}

// Query opens a live query yielding untyped entity views. Generated
// models call the package-level Query with their own view constructor.
func (n *Node) Query(c Context, collection id.CollectionId, pred *predicate.Predicate) (*LiveQuery[*entity.View], error) {
	return Query(c, collection, pred, func(v *entity.View) *entity.View { return v })
}

// convertUpdate maps a reactor update onto typed changes. A LiveQuery's
// subscription holds exactly one query, so every predicate-relevance
// entry on the item belongs to it and no per-query filtering is needed.
func convertUpdate[T any](upd reactor.ReactorUpdate, wrap func(*entity.View) T) ChangeSet[T] {
	var cs ChangeSet[T]
	for _, item := range upd.Items {
		var view T
		if item.Entity != nil {
			view = wrap(item.Entity.View())
		}
		if !item.HasMembershipChange() {
			if item.Entity == nil {
				continue
			}
			cs.Changes = append(cs.Changes, Change[T]{Kind: ChangeUpdate, EntityID: item.EntityID, View: view})
			continue
		}
		for _, rel := range item.PredicateRelevance {
			var kind ChangeKind
			switch rel.Change {
			case reactor.Initial:
				kind = ChangeInitial
			case reactor.Add:
				kind = ChangeAdd
			case reactor.Remove:
				kind = ChangeRemove
			}
			cs.Changes = append(cs.Changes, Change[T]{Kind: kind, EntityID: item.EntityID, View: view})
		}
	}
	return cs
}

// Changes returns the broadcast subscribers listen on. Its current value
// is the most recent ChangeSet (the Initial set right after Query).
func (q *LiveQuery[T]) Changes() *signals.Broadcast[ChangeSet[T]] { return q.out }

// UpdateSelection replaces the query's predicate and emits Add/Remove
// diffs relative to the previous membership, per spec.md section 4.5.
func (q *LiveQuery[T]) UpdateSelection(c Context, pred *predicate.Predicate) error {
	views, err := q.node.Fetch(c, q.collection, pred)
	if err != nil {
		return err
	}
	candidates, err := q.node.subscriptionCandidates(context.Background(), q.collection, views)
	if err != nil {
		return err
	}
	return q.node.Reactor.UpdateSelection(q.sub, q.queryID, pred, candidates)
}

// Close cancels the reactor subscription and, if a remote subscription
// is attached, forgets it and notifies the serving peer with an
// Unsubscribe update, per spec.md section 5 "Cancellation". Idempotent.
func (q *LiveQuery[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	hasRemote, peer, subID := q.hasRemote, q.remotePeer, q.remoteSubID
	q.mu.Unlock()

	q.guard.Close()
	q.sub.Close()
	if hasRemote {
		q.node.remoteSubsMu.Lock()
		delete(q.node.remoteSubs, subID)
		q.node.remoteSubsMu.Unlock()
		if err := q.node.Peers.Push(context.Background(), peer, peering.UnsubscribeUpdate{SubscriptionID: subID}); err != nil {
			q.node.log.WithError(err).Debug("live query: unsubscribe push failed")
		}
	}
}
