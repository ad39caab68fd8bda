package event

import (
	"context"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/id"
)

// Fetcher is the narrow storage/peer capability a navigator needs:
// resolve a batch of event ids to full events. Any storage engine or
// peering client whose GetEvents method matches this shape satisfies it
// without an explicit declaration, per Go's structural interfaces.
type Fetcher interface {
	GetEvents(ctx context.Context, ids []id.EventId) ([]*Event, error)
}

// NavigationStep is the result of expanding a frontier by one generation:
// the events fetched (costing budget) plus any zero-cost assertion
// shortcuts the navigator chose to apply instead of fetching.
type NavigationStep struct {
	Events         []*Event
	Assertions     []AssertionResult
	ConsumedBudget int
}

// AssertionResult lets a navigator short-circuit a known ancestry fact
// (e.g. a cached prior comparison) without spending fetch budget.
type AssertionResult struct {
	From     id.EventId
	To       *id.EventId
	Relation AssertionRelation
}

type AssertionRelationKind uint8

const (
	AssertionDescends AssertionRelationKind = iota
	AssertionNotDescends
	AssertionPartiallyDescends
	AssertionIncomparable
)

type AssertionRelation struct {
	Kind AssertionRelationKind
	Meet []id.EventId // populated for NotDescends / PartiallyDescends
}

// CausalNavigator decouples lineage comparison from storage/fetch policy,
// per spec.md section 4.3's "Navigator abstraction" paragraph.
type CausalNavigator interface {
	ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (NavigationStep, error)
}

// LocalNavigator resolves frontier expansion purely from local storage,
// never consulting peers. It never emits assertions -- a locally
// complete DAG needs no shortcuts.
type LocalNavigator struct {
	fetcher Fetcher
}

func NewLocalNavigator(fetcher Fetcher) *LocalNavigator { return &LocalNavigator{fetcher: fetcher} }

func (n *LocalNavigator) ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (NavigationStep, error) {
	cost := len(frontierIds)
	if cost > budget {
		cost = budget
	}
	events, err := n.fetcher.GetEvents(ctx, frontierIds)
	if err != nil {
		return NavigationStep{}, err
	}
	return NavigationStep{Events: events, ConsumedBudget: cost}, nil
}

// RemoteNavigator is structurally identical to LocalNavigator but is
// backed by a peer-facing Fetcher (e.g. a peering client issuing
// GetEvents requests over the wire). Kept as a distinct type so call
// sites document which policy they chose, per spec.md's "a composed one
// may consult remote peers."
type RemoteNavigator struct {
	fetcher Fetcher
}

func NewRemoteNavigator(fetcher Fetcher) *RemoteNavigator { return &RemoteNavigator{fetcher: fetcher} }

func (n *RemoteNavigator) ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (NavigationStep, error) {
	cost := len(frontierIds)
	if cost > budget {
		cost = budget
	}
	events, err := n.fetcher.GetEvents(ctx, frontierIds)
	if err != nil {
		return NavigationStep{}, err
	}
	return NavigationStep{Events: events, ConsumedBudget: cost}, nil
}

// FallbackNavigator tries a local navigator first and only consults a
// remote one for ids the local fetch could not resolve, so that routine
// comparisons over a fully-synced local DAG never hit the network.
type FallbackNavigator struct {
	local, remote CausalNavigator
}

func NewFallbackNavigator(local, remote CausalNavigator) *FallbackNavigator {
	return &FallbackNavigator{local: local, remote: remote}
}

func (n *FallbackNavigator) ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (NavigationStep, error) {
	step, err := n.local.ExpandFrontier(ctx, frontierIds, budget)
	if err != nil {
		return NavigationStep{}, err
	}
	found := make(map[id.EventId]struct{}, len(step.Events))
	for _, ev := range step.Events {
		found[ev.ID] = struct{}{}
	}
	var missing []id.EventId
	for _, fid := range frontierIds {
		if _, ok := found[fid]; !ok {
			missing = append(missing, fid)
		}
	}
	if len(missing) == 0 || budget-step.ConsumedBudget <= 0 {
		return step, nil
	}
	remoteStep, err := n.remote.ExpandFrontier(ctx, missing, budget-step.ConsumedBudget)
	if err != nil {
		return NavigationStep{}, err
	}
	step.Events = append(step.Events, remoteStep.Events...)
	step.Assertions = append(step.Assertions, remoteStep.Assertions...)
	step.ConsumedBudget += remoteStep.ConsumedBudget
	return step, nil
}

// AccumulatingNavigator wraps any navigator and records every event
// returned for later retrieval, per original_source's AccumulatingNavigator:
// this lets a comparison pass double as a prefetch for the forward view
// that follows it, instead of refetching the same events twice.
type AccumulatingNavigator struct {
	inner  CausalNavigator
	mu     sync.Mutex
	events map[id.EventId]*Event
}

func NewAccumulatingNavigator(inner CausalNavigator) *AccumulatingNavigator {
	return &AccumulatingNavigator{inner: inner, events: make(map[id.EventId]*Event)}
}

func (n *AccumulatingNavigator) ExpandFrontier(ctx context.Context, frontierIds []id.EventId, budget int) (NavigationStep, error) {
	n.mu.Lock()
	cached := make([]*Event, 0, len(frontierIds))
	var missing []id.EventId
	for _, fid := range frontierIds {
		if ev, ok := n.events[fid]; ok {
			cached = append(cached, ev)
		} else {
			missing = append(missing, fid)
		}
	}
	n.mu.Unlock()
	if len(missing) == 0 {
		return NavigationStep{Events: cached}, nil
	}

	step, err := n.inner.ExpandFrontier(ctx, missing, budget)
	if err != nil {
		return NavigationStep{}, err
	}
	n.mu.Lock()
	for _, ev := range step.Events {
		n.events[ev.ID] = ev
	}
	n.mu.Unlock()
	step.Events = append(step.Events, cached...)
	return step, nil
}

// Events returns a snapshot of every event accumulated so far.
func (n *AccumulatingNavigator) Events() map[id.EventId]*Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[id.EventId]*Event, len(n.events))
	for k, v := range n.events {
		out[k] = v
	}
	return out
}
