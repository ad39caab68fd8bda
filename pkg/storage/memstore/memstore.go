// Package memstore is the in-process reference storage.Engine: plain
// sync.RWMutex-guarded maps per collection, plus a bounded TTL secondary
// cache (github.com/patrickmn/go-cache) for states fetched from a remote
// peer on an ephemeral node, so a repeatedly-missing entity doesn't
// hammer that peer on every local miss. It exists purely to give the
// rest of this module (and its tests) a storage engine to run against
// without pulling in Sled/Postgres/SQLite/IndexedDB, the same role
// controller/api/destination/fake plays for the teacher's own watcher
// tests against a live cluster.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/storage"
	gocache "github.com/patrickmn/go-cache"
)

// Engine holds one Collection per collection id, created lazily.
type Engine struct {
	mu          sync.Mutex
	collections map[id.CollectionId]*Collection
	// remoteCacheTTL configures every collection's secondary cache for
	// remotely-fetched snapshots.
	remoteCacheTTL    time.Duration
	remoteCacheSweep  time.Duration
}

// New constructs an empty engine. remoteCacheTTL bounds how long a
// remotely-fetched snapshot is cached before a fresh remote round trip
// is required again; pass 0 to disable the secondary cache.
func New(remoteCacheTTL time.Duration) *Engine {
	return &Engine{
		collections:      make(map[id.CollectionId]*Collection),
		remoteCacheTTL:   remoteCacheTTL,
		remoteCacheSweep: remoteCacheTTL * 2,
	}
}

func (e *Engine) Collection(_ context.Context, collectionId id.CollectionId) (storage.Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[collectionId]
	if ok {
		return c, nil
	}
	c = newCollection(e.remoteCacheTTL, e.remoteCacheSweep)
	e.collections[collectionId] = c
	return c, nil
}

// Collection is one in-memory partition: entity states, events keyed by
// id, and a secondary index from entity id to event ids for ancestry
// walks (mirroring spec.md section 4.3's "indexed by collection + entity
// id" requirement).
type Collection struct {
	mu          sync.RWMutex
	states      map[id.EntityId]storage.State
	events      map[id.EventId]*event.Event
	entityEvent map[id.EntityId][]id.EventId

	remoteCache *gocache.Cache
}

func newCollection(ttl, sweep time.Duration) *Collection {
	var cache *gocache.Cache
	if ttl > 0 {
		cache = gocache.New(ttl, sweep)
	}
	return &Collection{
		states:      make(map[id.EntityId]storage.State),
		events:      make(map[id.EventId]*event.Event),
		entityEvent: make(map[id.EntityId][]id.EventId),
		remoteCache: cache,
	}
}

func (c *Collection) SetState(_ context.Context, entityId id.EntityId, state storage.State) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.states[entityId]
	if ok && existing.Head.Equal(state.Head) {
		return false, nil
	}
	c.states[entityId] = state
	return true, nil
}

func (c *Collection) GetState(_ context.Context, entityId id.EntityId) (storage.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[entityId]
	if !ok {
		return storage.State{}, &errs.EntityNotFound{ID: entityId}
	}
	return s, nil
}

func (c *Collection) FetchStates(_ context.Context, pred *predicate.Predicate) ([]storage.EntityState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []storage.EntityState
	for entityId, s := range c.states {
		if pred != nil {
			ok, err := pred.Evaluate(s.Values)
			if err != nil {
				return nil, &errs.RetrievalError{Err: err}
			}
			if !ok {
				continue
			}
		}
		out = append(out, storage.EntityState{ID: entityId, State: s})
	}
	return out, nil
}

func (c *Collection) AddEvent(_ context.Context, ev *event.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.events[ev.ID]; exists {
		return false, nil
	}
	c.events[ev.ID] = ev
	c.entityEvent[ev.EntityId] = append(c.entityEvent[ev.EntityId], ev.ID)
	return true, nil
}

func (c *Collection) GetEvents(_ context.Context, ids []id.EventId) ([]*event.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*event.Event, 0, len(ids))
	for _, eid := range ids {
		if ev, ok := c.events[eid]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CacheRemoteState stashes a snapshot an ephemeral node fetched from a
// durable peer, so a repeated miss for the same entity within the TTL
// doesn't re-hit the network. Per spec.md section 9's open question:
// "local wins on cache" -- SetState always takes precedence over
// anything parked here once it lands.
func (c *Collection) CacheRemoteState(entityId id.EntityId, state storage.State) {
	if c.remoteCache == nil {
		return
	}
	c.remoteCache.SetDefault(entityId.String(), state)
}

// RemoteStateCached returns a previously cached remote snapshot, if one
// is still within its TTL.
func (c *Collection) RemoteStateCached(entityId id.EntityId) (storage.State, bool) {
	if c.remoteCache == nil {
		return storage.State{}, false
	}
	v, ok := c.remoteCache.Get(entityId.String())
	if !ok {
		return storage.State{}, false
	}
	return v.(storage.State), true
}

var _ storage.Engine = (*Engine)(nil)
var _ storage.Collection = (*Collection)(nil)
