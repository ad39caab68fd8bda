package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/peering"
	"github.com/ankurah-go/ankurah/pkg/policy"
	"github.com/ankurah-go/ankurah/pkg/reactor"
	"github.com/ankurah-go/ankurah/pkg/signals"
	"github.com/ankurah-go/ankurah/pkg/storage"
)

// servedSub is one subscription this node is answering on behalf of a
// connected peer, per spec.md section 4.7 "Subscribe: ... begin pushing
// SubscriptionUpdates as matching events occur."
type servedSub struct {
	peer       id.NodeId
	collection id.CollectionId
	reactorSub *reactor.Subscription
	guard      *signals.ListenerGuard
}

// HandleMessage demultiplexes one incoming wire message, per spec.md
// section 4.6 handle_message(msg). from is the peer the message arrived
// on (the transport layer is expected to have already called
// RegisterPeer for any connection it accepts messages from).
func (n *Node) HandleMessage(ctx context.Context, from id.NodeId, msg peering.Message) error {
	switch m := msg.(type) {
	case peering.Presence:
		if peer, ok := n.Peers.Get(from); ok {
			peer.Durable = m.Durable
		}
		return nil
	case peering.NodeRequest:
		return n.handleRequest(ctx, from, m)
	case peering.NodeResponse:
		n.Peers.Deliver(m)
		return nil
	case peering.NodeUpdate:
		return n.handleUpdate(ctx, from, m)
	case peering.NodeUpdateAck:
		// At-least-once delivery: nothing to retransmit once acked, so
		// there is no outstanding state to clear beyond logging.
		n.log.WithField("update", m.UpdateID.String()).Debug("update acked")
		return nil
	default:
		return fmt.Errorf("handle message from %s: unrecognized message type %T", from, msg)
	}
}

// handleRequest dispatches one NodeRequest to its server-side handler and
// sends the resulting response (or an ErrorResponse) back to the
// requester, per spec.md section 4.7 "Server-side request handling".
func (n *Node) handleRequest(ctx context.Context, from id.NodeId, req peering.NodeRequest) error {
	if !n.Policy.CommunicateWithNode(policy.DefaultContextData{}, from).Allowed() {
		return n.Peers.Respond(ctx, from, req.ID, peering.ErrorResponse{Message: errs.ErrPolicyDenied.Error()})
	}

	var body peering.NodeResponseBody
	var err error
	switch b := req.Body.(type) {
	case peering.CommitTransactionRequest:
		body, err = n.serveCommitTransaction(ctx, b)
	case peering.GetRequest:
		body, err = n.serveGet(ctx, b)
	case peering.GetEventsRequest:
		body, err = n.serveGetEvents(ctx, from, b)
	case peering.FetchRequest:
		body, err = n.serveFetch(ctx, b)
	case peering.SubscribeRequest:
		body, err = n.serveSubscribe(ctx, from, b)
	default:
		err = fmt.Errorf("unrecognized request body %T", req.Body)
	}

	if err != nil {
		return n.Peers.Respond(ctx, from, req.ID, peering.ErrorResponse{Message: err.Error()})
	}
	return n.Peers.Respond(ctx, from, req.ID, body)
}

func (n *Node) serveGet(ctx context.Context, req peering.GetRequest) (peering.NodeResponseBody, error) {
	coll, err := n.collection(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	states := make([]storage.EntityState, 0, len(req.IDs))
	for _, eid := range req.IDs {
		st, err := coll.GetState(ctx, eid)
		if err != nil {
			continue // best-effort: omit entities we don't have, per spec.md section 4.7 Get
		}
		states = append(states, storage.EntityState{ID: eid, State: st})
	}
	return peering.GetResponse{States: states}, nil
}

func (n *Node) serveFetch(ctx context.Context, req peering.FetchRequest) (peering.NodeResponseBody, error) {
	coll, err := n.collection(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	states, err := coll.FetchStates(ctx, req.Predicate)
	if err != nil {
		return nil, err
	}
	return peering.FetchResponse{States: states}, nil
}

func (n *Node) serveGetEvents(ctx context.Context, from id.NodeId, req peering.GetEventsRequest) (peering.NodeResponseBody, error) {
	coll, err := n.collection(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	local, err := coll.GetEvents(ctx, req.EventIDs)
	if err != nil {
		return nil, err
	}
	found := make(map[id.EventId]struct{}, len(local))
	for _, ev := range local {
		found[ev.ID] = struct{}{}
	}
	var missing []id.EventId
	for _, eid := range req.EventIDs {
		if _, ok := found[eid]; !ok {
			missing = append(missing, eid)
		}
	}
	if len(missing) == 0 {
		return peering.GetEventsResponse{Events: local}, nil
	}

	peer, ok := n.Peers.AnyDurable()
	if !ok || peer.NodeID == from {
		// Nothing further to ask (we are the durable end of the line, or
		// the only durable peer is the very requester we'd be forwarding
		// to) -- return what we have, per spec.md section 4.7's
		// best-effort union.
		return peering.GetEventsResponse{Events: local}, nil
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].Compare(missing[j]) < 0 })
	key := forwardKey(req.Collection, missing)
	forwarded, err, _ := n.getEventsGroup.Do(key, func() (interface{}, error) {
		body, reqErr := n.Peers.Request(ctx, peer.NodeID, peering.GetEventsRequest{Collection: req.Collection, EventIDs: missing}, n.Config.RequestTimeout)
		if reqErr != nil {
			return nil, reqErr
		}
		resp, ok := body.(peering.GetEventsResponse)
		if !ok {
			return nil, fmt.Errorf("unexpected response type %T for GetEvents forward", body)
		}
		return resp.Events, nil
	})
	if err != nil {
		// The local set is still a valid (partial) answer even if the
		// forward failed -- surface what we have rather than erroring the
		// whole request.
		return peering.GetEventsResponse{Events: local}, nil
	}
	return peering.GetEventsResponse{Events: append(local, forwarded.([]*event.Event)...)}, nil
}

func forwardKey(collection id.CollectionId, ids []id.EventId) string {
	s := string(collection)
	for _, eid := range ids {
		s += "|" + eid.String()
	}
	return s
}

// serveCommitTransaction implements spec.md section 4.7's structural
// checks and atomic persistence: every event is validated before any are
// applied, so a CommitTransaction either fully succeeds or leaves no
// trace.
func (n *Node) serveCommitTransaction(ctx context.Context, req peering.CommitTransactionRequest) (peering.NodeResponseBody, error) {
	collections := make(map[id.CollectionId]storage.Collection)
	collFor := func(cid id.CollectionId) (storage.Collection, error) {
		if c, ok := collections[cid]; ok {
			return c, nil
		}
		c, err := n.collection(ctx, cid)
		if err != nil {
			return nil, err
		}
		collections[cid] = c
		return c, nil
	}

	// Every event is structurally validated before any are applied, so a
	// CommitTransaction either fully succeeds or leaves no trace. Validation
	// failures are aggregated across the whole batch (rather than aborting
	// on the first) so the caller sees every bad event in one round trip.
	var validation *multierror.Error
	for _, ev := range req.Events {
		coll, err := collFor(ev.Collection)
		if err != nil {
			return nil, err
		}
		_, stateErr := coll.GetState(ctx, ev.EntityId)
		exists := stateErr == nil
		var notFound *errs.EntityNotFound
		if stateErr != nil && !errors.As(stateErr, &notFound) {
			return nil, stateErr
		}

		switch {
		case ev.IsGenesis() && exists:
			validation = multierror.Append(validation, fmt.Errorf("commit event %s: %w: create received for already-existing entity %s", ev.ID.Short(), errs.ErrInvalidEvent, ev.EntityId))
			continue
		case !ev.IsGenesis() && !exists:
			validation = multierror.Append(validation, fmt.Errorf("commit event %s: %w: no entity %s for non-genesis event", ev.ID.Short(), errs.ErrInvalidEvent, ev.EntityId))
			continue
		}

		if !ev.IsGenesis() {
			parents, err := coll.GetEvents(ctx, ev.Parent.Members())
			if err != nil {
				return nil, err
			}
			if len(parents) != ev.Parent.Len() {
				validation = multierror.Append(validation, fmt.Errorf("commit event %s: %w: parent events not all present", ev.ID.Short(), errs.ErrInvalidEvent))
			}
		}
	}
	if validation.ErrorOrNil() != nil {
		return nil, validation
	}

	var batch []reactor.EntityChange
	for _, ev := range req.Events {
		coll := collections[ev.Collection]
		inserted, err := coll.AddEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue // idempotent duplicate: already applied, nothing further to do
		}

		existingState, stateErr := coll.GetState(ctx, ev.EntityId)
		backendState := map[string][]byte{}
		var head clock.Clock
		if stateErr == nil {
			backendState = existingState.Backends
			head = existingState.Head
		}
		target, err := n.Entities.WithState(ev.EntityId, ev.Collection, n.defaultFactory(), backendState, head)
		if err != nil {
			return nil, err
		}
		if err := target.ApplyReadySet(&event.ReadySet{Events: []*event.Event{ev}}); err != nil {
			return nil, fmt.Errorf("commit event %s: apply: %w", ev.ID.Short(), err)
		}
		buf, err := target.ToStateBuffers()
		if err != nil {
			return nil, err
		}
		state := storage.State{Backends: buf, Head: target.View().Head(), Values: target.PropertyValues()}
		if _, err := coll.SetState(ctx, ev.EntityId, state); err != nil {
			return nil, err
		}
		batch = append(batch, reactor.EntityChange{Entity: target, Events: []*event.Event{ev}})
	}

	if len(batch) > 0 {
		if err := n.Reactor.NotifyEventBatch(ctx, batch); err != nil {
			return nil, err
		}
	}
	return peering.CommitCompleteResponse{}, nil
}

// serveSubscribe evaluates pred server-side, registers a reactor
// subscription seeded with the current matches, and arranges to push
// SubscriptionUpdates to from as the reactor reports future membership
// changes, per spec.md section 4.7 "Subscribe".
func (n *Node) serveSubscribe(ctx context.Context, from id.NodeId, req peering.SubscribeRequest) (peering.NodeResponseBody, error) {
	if !n.Policy.Subscribe(policy.DefaultContextData{}, req.Collection, req.Predicate).Allowed() {
		return nil, errs.ErrPolicyDenied
	}
	// Seed with every stored entity, not just current matches, so later
	// transitions into the result set report Add rather than Initial.
	entities, err := n.localEntities(ctx, req.Collection)
	if err != nil {
		return nil, err
	}

	rsub := n.Reactor.NewSubscription()
	if _, err := n.Reactor.AddQuery(rsub, req.Collection, req.Predicate, entities); err != nil {
		rsub.Close()
		return nil, err
	}

	ss := &servedSub{peer: from, collection: req.Collection, reactorSub: rsub}
	ss.guard = rsub.Updates().Listen(func(upd reactor.ReactorUpdate) {
		n.pushSubscriptionUpdate(req.SubscriptionID, from, upd)
	})

	n.servedSubsMu.Lock()
	n.servedSubs[req.SubscriptionID] = ss
	n.servedSubsMu.Unlock()

	return peering.SubscribedResponse{SubscriptionID: req.SubscriptionID}, nil
}

// pushSubscriptionUpdate translates a reactor.ReactorUpdate into one or
// more wire SubscriptionUpdate messages, batching at most
// Config.SubscriptionBatchCap events per message, per spec.md section 6
// "Subscription-update framing".
func (n *Node) pushSubscriptionUpdate(subID id.SubscriptionId, to id.NodeId, upd reactor.ReactorUpdate) {
	var events []*event.Event
	for _, item := range upd.Items {
		events = append(events, item.Events...)
	}

	batchCap := n.Config.SubscriptionBatchCap
	if batchCap <= 0 {
		batchCap = len(events)
	}
	if len(events) == 0 {
		batchCap = 0
	}

	ctx := context.Background()
	if batchCap == 0 {
		if err := n.Peers.Push(ctx, to, peering.SubscriptionUpdate{SubscriptionID: subID, Events: nil}); err != nil {
			n.unservePeerSubscription(subID)
		}
		return
	}
	for i := 0; i < len(events); i += batchCap {
		end := i + batchCap
		if end > len(events) {
			end = len(events)
		}
		if err := n.Peers.Push(ctx, to, peering.SubscriptionUpdate{SubscriptionID: subID, Events: events[i:end]}); err != nil {
			n.unservePeerSubscription(subID)
			return
		}
	}
}

// UnserveSubscription stops serving subID to its peer and releases the
// underlying reactor subscription -- called on receipt of a client
// Unsubscribe or a peer's deregistration.
func (n *Node) UnserveSubscription(subID id.SubscriptionId) { n.unservePeerSubscription(subID) }

func (n *Node) unservePeerSubscription(subID id.SubscriptionId) {
	n.servedSubsMu.Lock()
	ss, ok := n.servedSubs[subID]
	if ok {
		delete(n.servedSubs, subID)
	}
	n.servedSubsMu.Unlock()
	if !ok {
		return
	}
	ss.guard.Close()
	ss.reactorSub.Close()
}
