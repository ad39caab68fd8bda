package reactor

import (
	"sync"

	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/signals"
)

// query is one predicate registered within a subscription, per spec.md
// section 4.5: a reactor subscription holds one or more queries.
type query struct {
	id         id.QueryId
	collection id.CollectionId
	predicate  *predicate.Predicate
}

// Subscription is a local reactor subscription: a set of live queries
// plus explicit per-entity watchers, fed to one caller through a single
// output broadcast. Dropping the handle (Close) unsubscribes atomically.
type Subscription struct {
	ID id.ReactorSubscriptionId

	reactor *Reactor
	out     *signals.Broadcast[ReactorUpdate]

	mu         sync.Mutex
	queries    map[id.QueryId]*query
	entitySubs map[id.EntityId]struct{}
	closed     bool
}

func newSubscription(r *Reactor) *Subscription {
	return &Subscription{
		ID:         id.NewReactorSubscriptionId(),
		reactor:    r,
		out:        signals.NewBroadcast(ReactorUpdate{}),
		queries:    make(map[id.QueryId]*query),
		entitySubs: make(map[id.EntityId]struct{}),
	}
}

// Updates returns the broadcast a caller listens to for ReactorUpdates.
func (s *Subscription) Updates() *signals.Broadcast[ReactorUpdate] { return s.out }

// Close unsubscribes this handle from the reactor. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.reactor.dropSubscription(s)
}
