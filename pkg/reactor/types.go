// Package reactor implements the in-process, predicate-indexed
// subscription engine: it turns committed entity events into per-query
// membership-change notifications for live queries and entity watchers,
// per spec.md section 4.5. Grounded on original_source/index/src/reactor.rs
// (per-field index design) and original_source/core/src/reactor/{subscription,update,candidate_changes}.rs.
package reactor

import (
	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
)

// MembershipChange describes how an entity's standing against one query
// changed. There is deliberately no "Update" variant: an entity that
// still matches but changed is still reported (as a ReactorUpdateItem)
// but without a predicate_relevance entry, per
// original_source/core/src/reactor/update.rs's comment.
type MembershipChange uint8

const (
	Initial MembershipChange = iota
	Add
	Remove
)

func (m MembershipChange) String() string {
	switch m {
	case Initial:
		return "initial"
	case Add:
		return "add"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// PredicateRelevance pairs a query with how this batch changed the
// subject entity's membership in it.
type PredicateRelevance struct {
	QueryID id.QueryId
	Change  MembershipChange
}

// ReactorUpdateItem is one entity's worth of change within a
// ReactorUpdate, per spec.md section 4.5 "Contract" step 3. EntityID is
// always populated; Entity may be nil when the reactor reports a Remove
// for an entity it no longer holds a handle to (e.g. a selection update
// whose candidate set no longer contains it).
type ReactorUpdateItem struct {
	EntityID           id.EntityId
	Entity             *entity.Entity
	Events             []*event.Event
	EntitySubscribed   bool
	PredicateRelevance []PredicateRelevance
}

// HasMembershipChange reports whether this item carries any Add/Remove/
// Initial transition (as opposed to purely an implicit field update or
// an entity-subscription-only delivery).
func (i ReactorUpdateItem) HasMembershipChange() bool { return len(i.PredicateRelevance) > 0 }

// ReactorUpdate is delivered once per subscription per NotifyEventBatch
// call, carrying every item relevant to that subscription.
type ReactorUpdate struct {
	SubscriptionID id.ReactorSubscriptionId
	Items          []ReactorUpdateItem
}

// EntityChange is one entity's contribution to a commit batch: the
// now-current entity plus the events that produced this state, in the
// order the caller (the owning transaction) mutated them.
type EntityChange struct {
	Entity *entity.Entity
	Events []*event.Event
}
