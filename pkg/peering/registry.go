package peering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/id"
	"golang.org/x/time/rate"
)

// defaultPeerRateLimit bounds the outbound messages-per-second this node
// will push to any one peer before backpressure teardown kicks in, per
// spec.md section 5 "Backpressure": a misbehaving or overwhelmed peer is
// throttled first and only torn down once sends actually start failing.
const defaultPeerRateLimit = 500

// defaultPeerRateBurst allows a short burst (e.g. a subscription's
// initial snapshot) above the steady-state rate before throttling.
const defaultPeerRateBurst = 1000

// PeerSender is the external collaborator spec.md section 3 names: a
// connection-agnostic way to hand a Message to one peer. Implementations
// live in package transport (ws, local).
type PeerSender interface {
	Send(ctx context.Context, msg Message) error
}

// pendingRequest is one outstanding Registry.Request call awaiting its
// NodeResponse.
type pendingRequest struct {
	done chan *NodeResponse
}

// Peer is everything the Registry tracks about one connected node.
type Peer struct {
	NodeID  id.NodeId
	Durable bool
	Sender  PeerSender

	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[id.RequestId]*pendingRequest
	healthy bool
}

func newPeer(nodeID id.NodeId, durable bool, sender PeerSender) *Peer {
	return &Peer{
		NodeID:  nodeID,
		Durable: durable,
		Sender:  sender,
		limiter: rate.NewLimiter(defaultPeerRateLimit, defaultPeerRateBurst),
		pending: make(map[id.RequestId]*pendingRequest),
		healthy: true,
	}
}

// send waits for this peer's outbound rate limiter before handing msg to
// the transport sender, so a burst of reactor-driven updates throttles
// smoothly instead of immediately tripping the transport's own
// backpressure teardown.
func (p *Peer) send(ctx context.Context, msg Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Sender.Send(ctx, msg)
}

// Healthy reports whether the last send to this peer succeeded.
func (p *Peer) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Registry tracks every currently connected peer and the requests this
// node has outstanding against each, per spec.md section 4.7 "Retries,
// timeouts, backpressure".
type Registry struct {
	self id.NodeId

	mu    sync.RWMutex
	peers map[id.NodeId]*Peer
}

func NewRegistry(self id.NodeId) *Registry {
	return &Registry{self: self, peers: make(map[id.NodeId]*Peer)}
}

// Register admits a newly connected peer, per spec.md section 4.6
// register_peer.
func (r *Registry) Register(presence Presence, sender PeerSender) *Peer {
	p := newPeer(presence.NodeID, presence.Durable, sender)
	r.mu.Lock()
	r.peers[presence.NodeID] = p
	r.mu.Unlock()
	return p
}

// Deregister removes nodeID, failing every request it had outstanding.
func (r *Registry) Deregister(nodeID id.NodeId) {
	r.mu.Lock()
	p, ok := r.peers[nodeID]
	delete(r.peers, nodeID)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	for _, pr := range p.pending {
		close(pr.done)
	}
	p.pending = nil
	p.mu.Unlock()
}

// Get returns the tracked peer for nodeID, if connected.
func (r *Registry) Get(nodeID id.NodeId) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	return p, ok
}

// AnyDurable returns one connected durable peer, for ephemeral nodes
// that need to route a retrieval or subscription request somewhere.
func (r *Registry) AnyDurable() (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.Durable && p.Healthy() {
			return p, true
		}
	}
	return nil, false
}

// Request sends body to the peer identified by to and blocks until a
// correlated NodeResponse arrives or timeout elapses, per spec.md section
// 4.7's pending-map-plus-completion-signal contract.
func (r *Registry) Request(ctx context.Context, to id.NodeId, body NodeRequestBody, timeout time.Duration) (NodeResponseBody, error) {
	peer, ok := r.Get(to)
	if !ok {
		return nil, fmt.Errorf("request to %s: %w", to, &errs.SendError{Kind: errs.SendConnectionClosed})
	}

	req := NodeRequest{ID: id.NewRequestId(), To: to, From: r.self, Body: body}
	pr := &pendingRequest{done: make(chan *NodeResponse, 1)}

	peer.mu.Lock()
	peer.pending[req.ID] = pr
	peer.mu.Unlock()
	defer func() {
		peer.mu.Lock()
		delete(peer.pending, req.ID)
		peer.mu.Unlock()
	}()

	if err := peer.send(ctx, req); err != nil {
		r.markUnhealthy(peer)
		requestsTotal.WithLabelValues("send_failed").Inc()
		return nil, fmt.Errorf("request to %s: %w", to, &errs.SendError{Kind: errs.SendOther, Err: err})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-pr.done:
		if !ok {
			requestsTotal.WithLabelValues("connection_closed").Inc()
			return nil, fmt.Errorf("request to %s: %w", to, &errs.SendError{Kind: errs.SendConnectionClosed})
		}
		if errResp, isErr := resp.Body.(ErrorResponse); isErr {
			requestsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("request to %s: %s", to, errResp.Message)
		}
		requestsTotal.WithLabelValues("ok").Inc()
		return resp.Body, nil
	case <-timer.C:
		requestsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("request to %s: %w", to, &errs.SendError{Kind: errs.SendTimeout})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond sends a NodeResponse body back to the requester, per spec.md
// section 4.7's server-side request handling.
func (r *Registry) Respond(ctx context.Context, to id.NodeId, requestID id.RequestId, body NodeResponseBody) error {
	peer, ok := r.Get(to)
	if !ok {
		return fmt.Errorf("respond to %s: %w", to, &errs.SendError{Kind: errs.SendConnectionClosed})
	}
	resp := NodeResponse{RequestID: requestID, From: r.self, To: to, Body: body}
	if err := peer.send(ctx, resp); err != nil {
		r.markUnhealthy(peer)
		return fmt.Errorf("respond to %s: %w", to, &errs.SendError{Kind: errs.SendOther, Err: err})
	}
	return nil
}

// Push sends a server-initiated NodeUpdate to a subscribed client, per
// spec.md section 4.7's "Update" streaming messages.
func (r *Registry) Push(ctx context.Context, to id.NodeId, body UpdateBody) error {
	peer, ok := r.Get(to)
	if !ok {
		return fmt.Errorf("push to %s: %w", to, &errs.SendError{Kind: errs.SendConnectionClosed})
	}
	upd := NodeUpdate{UpdateID: id.NewUpdateId(), From: r.self, To: to, Body: body}
	if err := peer.send(ctx, upd); err != nil {
		r.markUnhealthy(peer)
		return fmt.Errorf("push to %s: %w", to, &errs.SendError{Kind: errs.SendOther, Err: err})
	}
	updatePushes.Inc()
	return nil
}

// Ack sends a NodeUpdateAck back to the server that pushed updateID, per
// spec.md section 4.7's at-least-once delivery contract.
func (r *Registry) Ack(ctx context.Context, to id.NodeId, updateID id.UpdateId, subID id.SubscriptionId) error {
	peer, ok := r.Get(to)
	if !ok {
		return fmt.Errorf("ack to %s: %w", to, &errs.SendError{Kind: errs.SendConnectionClosed})
	}
	ack := NodeUpdateAck{UpdateID: updateID, SubscriptionID: subID}
	if err := peer.send(ctx, ack); err != nil {
		r.markUnhealthy(peer)
		return fmt.Errorf("ack to %s: %w", to, &errs.SendError{Kind: errs.SendOther, Err: err})
	}
	return nil
}

// Deliver routes an incoming NodeResponse to its matching pending
// request, per spec.md section 4.7.
func (r *Registry) Deliver(resp NodeResponse) {
	peer, ok := r.Get(resp.From)
	if !ok {
		return
	}
	peer.mu.Lock()
	pr, ok := peer.pending[resp.RequestID]
	peer.mu.Unlock()
	if !ok {
		return
	}
	pr.done <- &resp
}

func (r *Registry) markUnhealthy(p *Peer) {
	p.mu.Lock()
	p.healthy = false
	p.mu.Unlock()
	peerTeardowns.Inc()
	r.Deregister(p.NodeID)
}
