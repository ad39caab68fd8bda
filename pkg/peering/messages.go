// Package peering defines the wire protocol between nodes: the message
// envelopes, the binary codec, and peer/request bookkeeping, per spec.md
// section 4.7 and original_source/proto/src/{message,request,update}.rs.
// Server-side interpretation of requests lives in package node (so that
// this package stays a pure protocol + transport-facing layer with no
// dependency on entity/reactor/storage semantics).
package peering

import (
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/storage"
)

// Message is the top-level envelope every peer connection exchanges.
// Concrete types: Presence, NodeRequest, NodeResponse, NodeUpdate,
// NodeUpdateAck.
type Message interface{ isMessage() }

// Presence is advertised once a transport-level connection is established.
type Presence struct {
	NodeID  id.NodeId
	Durable bool
}

func (Presence) isMessage() {}

// NodeRequestBody is one of CommitTransactionRequest, GetRequest,
// GetEventsRequest, FetchRequest, SubscribeRequest.
type NodeRequestBody interface{ isNodeRequestBody() }

type CommitTransactionRequest struct {
	TransactionID id.TransactionId
	Events        []*event.Event
}

func (CommitTransactionRequest) isNodeRequestBody() {}

type GetRequest struct {
	Collection id.CollectionId
	IDs        []id.EntityId
}

func (GetRequest) isNodeRequestBody() {}

type GetEventsRequest struct {
	Collection id.CollectionId
	EventIDs   []id.EventId
}

func (GetEventsRequest) isNodeRequestBody() {}

type FetchRequest struct {
	Collection id.CollectionId
	Predicate  *predicate.Predicate
}

func (FetchRequest) isNodeRequestBody() {}

// SubscribeRequest opens a streaming subscription. KnownMatches lets the
// client report entities it already believes match, per spec.md section
// 4.7's "client includes its known_matches" so the server can send a
// minimal delta instead of a full snapshot.
type SubscribeRequest struct {
	SubscriptionID id.SubscriptionId
	Collection     id.CollectionId
	Predicate      *predicate.Predicate
	KnownMatches   []id.EntityId
}

func (SubscribeRequest) isNodeRequestBody() {}

// NodeRequest wraps any NodeRequestBody with routing and correlation info.
type NodeRequest struct {
	ID   id.RequestId
	To   id.NodeId
	From id.NodeId
	Body NodeRequestBody
}

func (NodeRequest) isMessage() {}

// NodeResponseBody is one of CommitCompleteResponse, GetResponse,
// FetchResponse, GetEventsResponse, SubscribedResponse, SuccessResponse,
// ErrorResponse.
type NodeResponseBody interface{ isNodeResponseBody() }

type CommitCompleteResponse struct{}

func (CommitCompleteResponse) isNodeResponseBody() {}

type GetResponse struct{ States []storage.EntityState }

func (GetResponse) isNodeResponseBody() {}

type FetchResponse struct{ States []storage.EntityState }

func (FetchResponse) isNodeResponseBody() {}

type GetEventsResponse struct{ Events []*event.Event }

func (GetEventsResponse) isNodeResponseBody() {}

type SubscribedResponse struct{ SubscriptionID id.SubscriptionId }

func (SubscribedResponse) isNodeResponseBody() {}

type SuccessResponse struct{}

func (SuccessResponse) isNodeResponseBody() {}

type ErrorResponse struct{ Message string }

func (ErrorResponse) isNodeResponseBody() {}

// NodeResponse wraps any NodeResponseBody, correlated to its request by ID.
type NodeResponse struct {
	RequestID id.RequestId
	From      id.NodeId
	To        id.NodeId
	Body      NodeResponseBody
}

func (NodeResponse) isMessage() {}

// UpdateBody is one of SubscriptionUpdate or UnsubscribeUpdate.
type UpdateBody interface{ isUpdateBody() }

// SubscriptionUpdate carries events the client must apply, per spec.md
// section 6 "Subscription-update framing": an empty Events list is a
// valid keepalive.
type SubscriptionUpdate struct {
	SubscriptionID id.SubscriptionId
	Events         []*event.Event
}

func (SubscriptionUpdate) isUpdateBody() {}

type UnsubscribeUpdate struct{ SubscriptionID id.SubscriptionId }

func (UnsubscribeUpdate) isUpdateBody() {}

// NodeUpdate is a server-initiated streaming message to a subscribed client.
type NodeUpdate struct {
	UpdateID id.UpdateId
	From     id.NodeId
	To       id.NodeId
	Body     UpdateBody
}

func (NodeUpdate) isMessage() {}

// NodeUpdateAck is the client's at-least-once delivery acknowledgement.
type NodeUpdateAck struct {
	UpdateID       id.UpdateId
	SubscriptionID id.SubscriptionId
}

func (NodeUpdateAck) isMessage() {}
