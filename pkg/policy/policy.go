// Package policy defines the pluggable access-control hook consulted at
// every node and peering boundary, per spec.md section 6 "Policy agent",
// ported almost verbatim from original_source/core/src/policy.rs.
package policy

import (
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
)

// Result is the outcome of a policy check.
type Result uint8

const (
	Allow Result = iota
	Deny
)

func (r Result) Allowed() bool { return r == Allow }

// ContextData is whatever identity an application attaches to a node
// Context -- typically a user or service-account reference. The core
// never interprets it; Agent implementations do.
type ContextData interface{}

// Agent is consulted before any boundary action, per spec.md section 6:
// a Deny yields an Error response without side effects.
type Agent interface {
	AccessCollection(data ContextData, collection id.CollectionId) Result
	ReadEntity(data ContextData, collection id.CollectionId, entityId id.EntityId) Result
	ModifyEntity(data ContextData, collection id.CollectionId, entityId id.EntityId) Result
	CreateInCollection(data ContextData, collection id.CollectionId) Result
	Subscribe(data ContextData, collection id.CollectionId, pred *predicate.Predicate) Result
	CommunicateWithNode(data ContextData, nodeId id.NodeId) Result
}

// DefaultContextData is used by PermissiveAgent callers that have no
// real identity to attach, mirroring original_source's DefaultContext.
type DefaultContextData struct{}

// PermissiveAgent allows every operation unconditionally -- the default
// wired into a Node that specifies no Config.PolicyAgent.
type PermissiveAgent struct{}

func NewPermissiveAgent() PermissiveAgent { return PermissiveAgent{} }

func (PermissiveAgent) AccessCollection(ContextData, id.CollectionId) Result { return Allow }
func (PermissiveAgent) ReadEntity(ContextData, id.CollectionId, id.EntityId) Result {
	return Allow
}
func (PermissiveAgent) ModifyEntity(ContextData, id.CollectionId, id.EntityId) Result {
	return Allow
}
func (PermissiveAgent) CreateInCollection(ContextData, id.CollectionId) Result { return Allow }
func (PermissiveAgent) Subscribe(ContextData, id.CollectionId, *predicate.Predicate) Result {
	return Allow
}
func (PermissiveAgent) CommunicateWithNode(ContextData, id.NodeId) Result { return Allow }

var _ Agent = PermissiveAgent{}
