// Package node is the glue spec.md section 4.6 describes: it owns a
// storage engine, the entity manager, one reactor, a peer registry, and a
// policy agent, and exposes the operations every other module is built to
// serve. Grounded on original_source/core/src/node.rs and
// original_source/core/src/traits.rs's Context/ContextData split.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/peering"
	"github.com/ankurah-go/ankurah/pkg/peering/diffresolver"
	"github.com/ankurah-go/ankurah/pkg/policy"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/reactor"
	"github.com/ankurah-go/ankurah/pkg/storage"
	"github.com/ankurah-go/ankurah/pkg/txn"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Config is the configuration surface spec.md section 6 names.
type Config struct {
	// Durable marks this node authoritative: it answers Get/Fetch/Subscribe
	// requests from peers instead of routing its own through one.
	Durable bool

	StorageEngine storage.Engine
	PolicyAgent   policy.Agent

	// DefaultBackendFactory builds the backend set a rehydrated or
	// newly-created entity uses. Schema-per-collection backend selection
	// is a generated-model concern out of scope here (spec.md's
	// Non-goals); this module exercises the full pipeline end to end
	// against one reference backend set -- see DESIGN.md.
	DefaultBackendFactory entity.BackendFactory

	ReconnectBackoffCeiling time.Duration
	RequestTimeout          time.Duration
	SubscriptionBatchCap    int
	LineageBudgetDefault    int

	Log *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ReconnectBackoffCeiling <= 0 {
		c.ReconnectBackoffCeiling = 30 * time.Second
	}
	if c.SubscriptionBatchCap <= 0 {
		c.SubscriptionBatchCap = 256
	}
	if c.LineageBudgetDefault <= 0 {
		c.LineageBudgetDefault = 1024
	}
	if c.PolicyAgent == nil {
		c.PolicyAgent = policy.PermissiveAgent{}
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// Node is one participant in the network, per spec.md section 4.6.
type Node struct {
	ID     id.NodeId
	Config Config

	Storage  storage.Engine
	Entities *entity.Manager
	Reactor  *reactor.Reactor
	Peers    *peering.Registry
	Policy   policy.Agent

	log *logrus.Entry

	// getEventsGroup deduplicates concurrent GetEvents peer-forwards that
	// request the identical (sorted) missing set for one collection;
	// partially overlapping sets are forwarded separately, per spec.md
	// section 4.7's
	// "coalesce outstanding peer requests" guidance.
	getEventsGroup singleflight.Group

	// remoteSubs tracks subscriptions this (typically ephemeral) node has
	// open against a durable peer, keyed by the wire SubscriptionId the
	// peer assigned -- used to apply incoming SubscriptionUpdates and to
	// send Unsubscribe on local cancellation, per spec.md section 4.7
	// "Client-side consistency".
	remoteSubsMu sync.Mutex
	remoteSubs   map[id.SubscriptionId]*remoteSub

	// servedSubs tracks subscriptions this (typically durable) node is
	// serving to a connected peer, keyed by the same wire SubscriptionId,
	// per spec.md section 4.7 "Subscribe: ... begin pushing
	// SubscriptionUpdates as matching events occur."
	servedSubsMu sync.Mutex
	servedSubs   map[id.SubscriptionId]*servedSub
}

// New constructs a node. cfg.StorageEngine must be set.
func New(cfg Config) *Node {
	cfg = cfg.withDefaults()
	nodeID := id.NewNodeId()
	n := &Node{
		ID:       nodeID,
		Config:   cfg,
		Storage:  cfg.StorageEngine,
		Entities: entity.NewManager(),
		Reactor:  reactor.New(cfg.Log),
		Peers:    peering.NewRegistry(nodeID),
		Policy:   cfg.PolicyAgent,
		log:      cfg.Log.WithField("node", nodeID.String()),

		remoteSubs: make(map[id.SubscriptionId]*remoteSub),
		servedSubs: make(map[id.SubscriptionId]*servedSub),
	}
	return n
}

// Close releases the node's background resources (the reactor's dispatch
// goroutine).
func (n *Node) Close() { n.Reactor.Close() }

// Context scopes a call to a policy-evaluable identity, per spec.md
// section 4.6: "Context -- a node.Context{Node, Data}".
type Context struct {
	Node *Node
	Data policy.ContextData
}

// NewContext builds a Context carrying the caller-supplied policy data.
func (n *Node) NewContext(data policy.ContextData) Context { return Context{Node: n, Data: data} }

func (n *Node) collection(ctx context.Context, collectionId id.CollectionId) (storage.Collection, error) {
	return n.Storage.Collection(ctx, collectionId)
}

// Begin opens a new local transaction, wired with this node's manager,
// storage, reactor, and policy agent, per spec.md section 4.6's begin().
// On an ephemeral node, commits are forwarded to a durable peer for
// authoritative persistence before applying locally.
func (n *Node) Begin(c Context) *txn.Transaction {
	deps := txn.Deps{
		Manager:   n.Entities,
		Storage:   n.collection,
		Reactor:   n.Reactor,
		Policy:    n.Policy,
		PolicyCtx: c.Data,
	}
	if !n.Config.Durable {
		deps.Forward = n.forwardCommit
	}
	return txn.Begin(deps)
}

// forwardCommit submits events to a connected durable peer via
// CommitTransaction, per spec.md section 4.7. With no durable peer
// connected the commit stays local-only; reconciliation happens through
// the fetch/subscribe sync paths once a peer is back.
func (n *Node) forwardCommit(ctx context.Context, txID id.TransactionId, events []*event.Event) error {
	peer, ok := n.Peers.AnyDurable()
	if !ok {
		return nil
	}
	body, err := n.Peers.Request(ctx, peer.NodeID, peering.CommitTransactionRequest{TransactionID: txID, Events: events}, n.Config.RequestTimeout)
	if err != nil {
		return err
	}
	if _, ok := body.(peering.CommitCompleteResponse); !ok {
		return fmt.Errorf("commit forward to %s: unexpected response %T", peer.NodeID, body)
	}
	return nil
}

// Get retrieves a single entity by id, per spec.md section 4.6 get(id).
// Durable nodes resolve from local storage; ephemeral nodes fall back to
// a connected durable peer when storage has no local copy.
func (n *Node) Get(c Context, collection id.CollectionId, entityId id.EntityId) (*entity.View, error) {
	if !n.Policy.ReadEntity(c.Data, collection, entityId).Allowed() {
		return nil, fmt.Errorf("get %s: %w", entityId, errs.ErrPolicyDenied)
	}

	ctx := context.Background()
	if resident, ok := n.Entities.Get(entityId); ok {
		return resident.View(), nil
	}

	coll, err := n.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	state, err := coll.GetState(ctx, entityId)
	if err == nil {
		return n.rehydrate(entityId, collection, state)
	}

	var notFound *errs.EntityNotFound
	if !errors.As(err, &notFound) || n.Config.Durable {
		return nil, err
	}

	// A recent remote snapshot may still be parked in the engine's
	// secondary cache; serve it rather than re-hitting the peer.
	cache, hasCache := coll.(remoteStateCache)
	if hasCache {
		if cached, ok := cache.RemoteStateCached(entityId); ok {
			return n.rehydrate(entityId, collection, cached)
		}
	}

	peer, ok := n.Peers.AnyDurable()
	if !ok {
		return nil, err
	}
	body, reqErr := n.Peers.Request(ctx, peer.NodeID, peering.GetRequest{Collection: collection, IDs: []id.EntityId{entityId}}, n.Config.RequestTimeout)
	if reqErr != nil {
		return nil, reqErr
	}
	getResp, ok := body.(peering.GetResponse)
	if !ok || len(getResp.States) == 0 {
		return nil, err
	}
	if hasCache {
		cache.CacheRemoteState(entityId, getResp.States[0].State)
	}
	return n.rehydrate(entityId, collection, getResp.States[0].State)
}

// remoteStateCache is the optional TTL side-cache an engine may expose
// for remotely fetched snapshots (memstore does); engines without one
// simply fall through to the peer on every local miss.
type remoteStateCache interface {
	CacheRemoteState(entityId id.EntityId, state storage.State)
	RemoteStateCached(entityId id.EntityId) (storage.State, bool)
}

func (n *Node) rehydrate(entityId id.EntityId, collection id.CollectionId, state storage.State) (*entity.View, error) {
	e, err := n.Entities.WithState(entityId, collection, n.defaultFactory(), state.Backends, state.Head)
	if err != nil {
		return nil, err
	}
	return e.View(), nil
}

func (n *Node) defaultFactory() entity.BackendFactory {
	if n.Config.DefaultBackendFactory != nil {
		return n.Config.DefaultBackendFactory
	}
	return func() map[string]property.Backend { return nil }
}

// Fetch evaluates pred against collection's entities, per spec.md section
// 4.6 fetch(predicate). An ephemeral node reconciles its local match set
// against the durable peer's authoritative answer using diffresolver, per
// spec.md section 4.7 "Client-side consistency".
func (n *Node) Fetch(c Context, collection id.CollectionId, pred *predicate.Predicate) ([]*entity.View, error) {
	if !n.Policy.AccessCollection(c.Data, collection).Allowed() {
		return nil, fmt.Errorf("fetch %s: %w", collection, errs.ErrPolicyDenied)
	}
	ctx := context.Background()

	coll, err := n.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	localStates, err := coll.FetchStates(ctx, pred)
	if err != nil {
		return nil, err
	}
	views := make([]*entity.View, 0, len(localStates))
	for _, es := range localStates {
		v, err := n.rehydrate(es.ID, collection, es.State)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}

	if n.Config.Durable {
		return views, nil
	}
	peer, ok := n.Peers.AnyDurable()
	if !ok {
		return views, nil
	}
	body, err := n.Peers.Request(ctx, peer.NodeID, peering.FetchRequest{Collection: collection, Predicate: pred}, n.Config.RequestTimeout)
	if err != nil {
		return views, nil // best-effort: serve the local answer if the peer is unreachable
	}
	fetchResp, ok := body.(peering.FetchResponse)
	if !ok {
		return views, nil
	}

	localIDs := make([]id.EntityId, len(views))
	for i, v := range views {
		localIDs[i] = v.ID()
	}
	remoteIDs := make([]id.EntityId, len(fetchResp.States))
	remoteByID := make(map[id.EntityId]storage.EntityState, len(fetchResp.States))
	for i, es := range fetchResp.States {
		remoteIDs[i] = es.ID
		remoteByID[es.ID] = es
	}

	// The remote answer is authoritative; diffresolver tells us which
	// locally-matching entities the remote no longer agrees match
	// (dropped below) and which matching entities we don't have yet
	// (rehydrated and appended), per spec.md section 4.7's client-side
	// consistency pass.
	delta := diffresolver.Resolve(localIDs, remoteIDs)
	stale := make(map[id.EntityId]struct{}, len(delta.Stale))
	for _, eid := range delta.Stale {
		stale[eid] = struct{}{}
	}

	out := make([]*entity.View, 0, len(views))
	for _, v := range views {
		if _, drop := stale[v.ID()]; !drop {
			out = append(out, v)
		}
	}
	for _, eid := range delta.Missing {
		v, err := n.rehydrate(eid, collection, remoteByID[eid].State)
		if err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Subscribe registers a live predicate query with the reactor, per
// spec.md section 4.6 subscribe(predicate, listener). The caller consumes
// results through the returned Subscription's Updates() broadcast.
func (n *Node) Subscribe(c Context, collection id.CollectionId, pred *predicate.Predicate) (*reactor.Subscription, error) {
	if !n.Policy.Subscribe(c.Data, collection, pred).Allowed() {
		return nil, fmt.Errorf("subscribe %s: %w", collection, errs.ErrPolicyDenied)
	}
	views, err := n.Fetch(c, collection, pred)
	if err != nil {
		return nil, err
	}
	candidates, err := n.subscriptionCandidates(context.Background(), collection, views)
	if err != nil {
		return nil, err
	}
	sub := n.Reactor.NewSubscription()
	if _, err := n.Reactor.AddQuery(sub, collection, pred, candidates); err != nil {
		sub.Close()
		return nil, err
	}

	if !n.Config.Durable {
		if peer, ok := n.Peers.AnyDurable(); ok {
			known := make([]id.EntityId, 0, len(views))
			for _, v := range views {
				known = append(known, v.ID())
			}
			if _, err := n.openRemoteSubscription(peer.NodeID, sub, collection, pred, known); err != nil {
				n.log.WithError(err).Warn("subscribe: remote subscription failed; continuing local-only")
			}
		}
	}
	return sub, nil
}

// localEntities rehydrates every entity stored in collection, for
// seeding a new query's evaluation pass.
func (n *Node) localEntities(ctx context.Context, collection id.CollectionId) ([]*entity.Entity, error) {
	coll, err := n.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	states, err := coll.FetchStates(ctx, nil)
	if err != nil {
		return nil, err
	}
	entities := make([]*entity.Entity, 0, len(states))
	for _, es := range states {
		e, err := n.Entities.WithState(es.ID, collection, n.defaultFactory(), es.State.Backends, es.State.Head)
		if err != nil {
			n.log.WithError(err).WithField("entity", es.ID.String()).Warn("skipping unrehydratable entity")
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// subscriptionCandidates merges every locally stored entity with the
// already-fetched matching views (which, on an ephemeral node, may
// include remote entities local storage has never seen), so AddQuery
// evaluates all existing entities per spec.md section 4.5's "Adding a
// subscription evaluates all existing entities against its predicate."
func (n *Node) subscriptionCandidates(ctx context.Context, collection id.CollectionId, views []*entity.View) ([]*entity.Entity, error) {
	candidates, err := n.localEntities(ctx, collection)
	if err != nil {
		return nil, err
	}
	seen := make(map[id.EntityId]struct{}, len(candidates))
	for _, e := range candidates {
		seen[e.ID] = struct{}{}
	}
	for _, v := range views {
		if _, ok := seen[v.ID()]; !ok {
			candidates = append(candidates, v.Entity())
		}
	}
	return candidates, nil
}

// SubscribeEntities registers explicit per-entity watch interest, per
// spec.md section 4.6 subscribe_entities(ids, listener).
func (n *Node) SubscribeEntities(c Context, ids []id.EntityId) *reactor.Subscription {
	sub := n.Reactor.NewSubscription()
	n.Reactor.AddEntitySubscriptions(sub, ids)
	return sub
}

// RegisterPeer admits a newly connected peer, per spec.md section 4.6
// register_peer(presence, sender).
func (n *Node) RegisterPeer(presence peering.Presence, sender peering.PeerSender) *peering.Peer {
	return n.Peers.Register(presence, sender)
}

// DeregisterPeer removes a peer, per spec.md section 4.6
// deregister_peer(id). Subscriptions this node was serving to the peer
// are released; subscriptions this node held against the peer are
// forgotten but their local reactor halves stay live, so the node
// resumes behaving as if disconnected (spec.md section 5 "Backpressure").
func (n *Node) DeregisterPeer(nodeId id.NodeId) {
	n.Peers.Deregister(nodeId)

	n.servedSubsMu.Lock()
	var served []id.SubscriptionId
	for subID, ss := range n.servedSubs {
		if ss.peer == nodeId {
			served = append(served, subID)
		}
	}
	n.servedSubsMu.Unlock()
	for _, subID := range served {
		n.unservePeerSubscription(subID)
	}

	n.remoteSubsMu.Lock()
	for subID, rs := range n.remoteSubs {
		if rs.peer == nodeId {
			delete(n.remoteSubs, subID)
		}
	}
	n.remoteSubsMu.Unlock()
}
