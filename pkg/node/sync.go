package node

import (
	"context"
	"fmt"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/peering"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/reactor"
	"github.com/ankurah-go/ankurah/pkg/storage"
)

// remoteSub is one subscription this node has open against a durable
// peer, per spec.md section 4.7 "Client-side consistency": it lets a
// closing LiveQuery send a wire Unsubscribe and lets incoming
// SubscriptionUpdates be routed back to the local reactor.Subscription
// the caller is actually listening on.
type remoteSub struct {
	peer       id.NodeId
	collection id.CollectionId
	local      *reactor.Subscription
}

// peerFetcher adapts a durable peer, reached through the registry's
// request/response plumbing, to event.Fetcher so it can back a
// RemoteNavigator -- per spec.md section 4.3's navigator abstraction,
// "a composed one may consult remote peers."
type peerFetcher struct {
	n          *Node
	peer       id.NodeId
	collection id.CollectionId
}

func (f peerFetcher) GetEvents(ctx context.Context, ids []id.EventId) ([]*event.Event, error) {
	body, err := f.n.Peers.Request(ctx, f.peer, peering.GetEventsRequest{Collection: f.collection, EventIDs: ids}, f.n.Config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	resp, ok := body.(peering.GetEventsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T for GetEvents", body)
	}
	return resp.Events, nil
}

// SubscribeRemote opens a subscription against peer and mirrors its
// updates into the local reactor, so callers can observe a durable
// peer's live query the same way they observe a purely local one, per
// spec.md section 4.7's ephemeral-node subscribe flow.
func (n *Node) SubscribeRemote(c Context, peer id.NodeId, collection id.CollectionId, pred *predicate.Predicate) (*reactor.Subscription, error) {
	views, err := n.Fetch(c, collection, pred)
	if err != nil {
		return nil, err
	}
	candidates, err := n.subscriptionCandidates(context.Background(), collection, views)
	if err != nil {
		return nil, err
	}
	known := make([]id.EntityId, 0, len(views))
	for _, v := range views {
		known = append(known, v.ID())
	}
	local := n.Reactor.NewSubscription()
	if _, err := n.Reactor.AddQuery(local, collection, pred, candidates); err != nil {
		local.Close()
		return nil, err
	}

	if _, err := n.openRemoteSubscription(peer, local, collection, pred, known); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

// openRemoteSubscription performs the wire Subscribe handshake against
// peer and registers the resulting subscription id so incoming
// SubscriptionUpdates route back to local.
func (n *Node) openRemoteSubscription(peer id.NodeId, local *reactor.Subscription, collection id.CollectionId, pred *predicate.Predicate, known []id.EntityId) (id.SubscriptionId, error) {
	subID := id.NewSubscriptionId()
	body, err := n.Peers.Request(context.Background(), peer, peering.SubscribeRequest{
		SubscriptionID: subID,
		Collection:     collection,
		Predicate:      pred,
		KnownMatches:   known,
	}, n.Config.RequestTimeout)
	if err != nil {
		return id.SubscriptionId{}, err
	}
	if _, ok := body.(peering.SubscribedResponse); !ok {
		return id.SubscriptionId{}, fmt.Errorf("subscribe to %s: unexpected response %T", peer, body)
	}

	n.remoteSubsMu.Lock()
	n.remoteSubs[subID] = &remoteSub{peer: peer, collection: collection, local: local}
	n.remoteSubsMu.Unlock()
	return subID, nil
}

// handleUpdate applies an incoming server-pushed NodeUpdate: either new
// events for a remote subscription, or notice that the server dropped one.
func (n *Node) handleUpdate(ctx context.Context, from id.NodeId, upd peering.NodeUpdate) error {
	switch b := upd.Body.(type) {
	case peering.SubscriptionUpdate:
		defer func() { _ = n.Peers.Ack(ctx, from, upd.UpdateID, b.SubscriptionID) }()
		n.remoteSubsMu.Lock()
		rs, ok := n.remoteSubs[b.SubscriptionID]
		n.remoteSubsMu.Unlock()
		if !ok {
			return nil // unknown or already-closed subscription; nothing to apply
		}
		for _, ev := range b.Events {
			if err := n.applyRemoteEvent(ctx, from, rs.collection, ev); err != nil {
				n.log.WithError(err).WithField("event", ev.ID.Short()).Warn("failed to apply remote event")
			}
		}
		return nil
	case peering.UnsubscribeUpdate:
		defer func() { _ = n.Peers.Ack(ctx, from, upd.UpdateID, b.SubscriptionID) }()
		// Unsubscribe travels both directions: a server cancelling a
		// subscription it was answering for us (remoteSubs), or a client
		// telling us to stop serving one we were answering for it
		// (servedSubs).
		n.remoteSubsMu.Lock()
		rs, ok := n.remoteSubs[b.SubscriptionID]
		delete(n.remoteSubs, b.SubscriptionID)
		n.remoteSubsMu.Unlock()
		if ok {
			rs.local.Close()
			return nil
		}
		n.unservePeerSubscription(b.SubscriptionID)
		return nil
	default:
		return fmt.Errorf("handle update from %s: unrecognized update body %T", from, upd.Body)
	}
}

// applyRemoteEvent applies one incoming event to the resident entity,
// resolving any causal gap against the originating peer before applying,
// per spec.md section 4.3's comparison-then-forward-replay pipeline and
// section 4.7's "apply events in causal order, not arrival order."
func (n *Node) applyRemoteEvent(ctx context.Context, peer id.NodeId, collection id.CollectionId, ev *event.Event) error {
	coll, err := n.collection(ctx, collection)
	if err != nil {
		return err
	}

	existingState, stateErr := coll.GetState(ctx, ev.EntityId)
	backendState := map[string][]byte{}
	var head clock.Clock
	if stateErr == nil {
		backendState = existingState.Backends
		head = existingState.Head
	}
	target, err := n.Entities.WithState(ev.EntityId, collection, n.defaultFactory(), backendState, head)
	if err != nil {
		return err
	}

	currentHead := target.View().Head()
	if currentHead.Equal(ev.Parent) || (currentHead.IsEmpty() && ev.IsGenesis()) {
		if err := target.ApplyReadySet(&event.ReadySet{Events: []*event.Event{ev}}); err != nil {
			return err
		}
		return n.persistAndNotify(ctx, coll, target, []*event.Event{ev})
	}

	// Causal gap: the incoming event's parent isn't our current head, so
	// walk backward to find how it relates before applying anything.
	inHand := map[id.EventId]*event.Event{ev.ID: ev}
	nav := event.NewFallbackNavigator(
		event.NewLocalNavigator(coll),
		event.NewRemoteNavigator(peerFetcher{n: n, peer: peer, collection: collection}),
	)
	accNav := event.NewAccumulatingNavigator(event.NewFallbackNavigator(mapNavigator{inHand}, nav))

	subject := clock.New(ev.ID)
	rel, err := event.Compare(ctx, accNav, subject, currentHead, n.Config.LineageBudgetDefault)
	if err != nil {
		return err
	}

	var chain []id.EventId
	switch rel.Kind {
	case clock.RelationEqual, clock.RelationStrictAscends:
		return nil // we are already at or ahead of ev; nothing to apply
	case clock.RelationStrictDescends:
		chain = rel.Chain
	case clock.RelationDivergedSince:
		chain = append(append([]id.EventId{}, rel.SubjectChain...), rel.OtherChain...)
	default:
		return fmt.Errorf("apply remote event %s: unresolved lineage (%v)", ev.ID.Short(), rel.Kind)
	}

	fv := event.NewForwardView(accNav, chain, currentHead, n.Config.LineageBudgetDefault)
	var applied []*event.Event
	for !fv.Done() {
		rs, err := fv.Next(ctx)
		if err != nil {
			return err
		}
		if rs == nil || len(rs.Events) == 0 {
			break
		}
		if err := target.ApplyReadySet(rs); err != nil {
			return err
		}
		applied = append(applied, rs.Events...)
	}
	if len(applied) == 0 {
		return nil
	}
	return n.persistAndNotify(ctx, coll, target, applied)
}

func (n *Node) persistAndNotify(ctx context.Context, coll storage.Collection, target *entity.Entity, events []*event.Event) error {
	// Events land in storage before the state that references them, so the
	// head clock never points at an event a later lineage walk can't fetch.
	for _, ev := range events {
		if _, err := coll.AddEvent(ctx, ev); err != nil {
			return err
		}
	}
	buf, err := target.ToStateBuffers()
	if err != nil {
		return err
	}
	state := storage.State{Backends: buf, Head: target.View().Head(), Values: target.PropertyValues()}
	if _, err := coll.SetState(ctx, target.ID, state); err != nil {
		return err
	}
	return n.Reactor.NotifyEventBatch(ctx, []reactor.EntityChange{{Entity: target, Events: events}})
}

// mapNavigator resolves frontier ids already held in memory (e.g. the
// event just delivered over the wire) before falling through to storage
// or the peer, so a direct-delivery event never needs to be refetched.
type mapNavigator struct{ events map[id.EventId]*event.Event }

func (m mapNavigator) ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (event.NavigationStep, error) {
	var found []*event.Event
	for _, fid := range frontierIds {
		if ev, ok := m.events[fid]; ok {
			found = append(found, ev)
		}
	}
	return event.NavigationStep{Events: found, ConsumedBudget: 0}, nil
}
