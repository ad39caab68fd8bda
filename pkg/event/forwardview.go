package event

import (
	"context"
	"sort"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
)

// ReadySet is a group of events whose parents have all already been
// applied. Events are sorted ascending by id; Entity.ApplyReadySet
// applies them one at a time in that order, which makes the outcome of
// concurrent events deterministic.
type ReadySet struct {
	Events []*Event
}

// ForwardView replays a StrictDescends or DivergedSince relation's chain
// as an ordered stream of ReadySets, fetching events lazily from the
// navigator that produced the comparison (typically an
// AccumulatingNavigator, so the events are already resident).
type ForwardView struct {
	nav     CausalNavigator
	pending []id.EventId // ids not yet grouped into a ready set, oldest-first
	applied map[id.EventId]struct{}
	budget  int
}

// NewForwardView builds a forward view from a causal comparison's chain.
// For StrictDescends this is rel.Chain; for DivergedSince callers should
// concatenate SubjectChain and OtherChain before calling, since both
// sides' novel events must be applied.
func NewForwardView(nav CausalNavigator, chain []id.EventId, alreadyApplied clock.Clock, budget int) *ForwardView {
	applied := make(map[id.EventId]struct{}, alreadyApplied.Len())
	for _, m := range alreadyApplied.Members() {
		applied[m] = struct{}{}
	}
	return &ForwardView{nav: nav, pending: dedupe(chain), applied: applied, budget: budget}
}

func dedupe(chain []id.EventId) []id.EventId {
	seen := make(map[id.EventId]struct{}, len(chain))
	out := make([]id.EventId, 0, len(chain))
	for _, eid := range chain {
		if _, ok := seen[eid]; ok {
			continue
		}
		seen[eid] = struct{}{}
		out = append(out, eid)
	}
	return out
}

// Done reports whether every chain event has been yielded.
func (v *ForwardView) Done() bool { return len(v.pending) == 0 }

// Next fetches and returns the next ready set: every remaining pending
// event whose parents are already in v.applied. It advances v.applied by
// the returned set's ids. Returns a nil ReadySet once Done.
func (v *ForwardView) Next(ctx context.Context) (*ReadySet, error) {
	if v.Done() {
		return nil, nil
	}

	step, err := v.nav.ExpandFrontier(ctx, v.pending, v.budget)
	if err != nil {
		return nil, err
	}
	v.budget -= step.ConsumedBudget

	byID := make(map[id.EventId]*Event, len(step.Events))
	for _, ev := range step.Events {
		byID[ev.ID] = ev
	}

	var ready []*Event
	var remaining []id.EventId
	for _, eid := range v.pending {
		ev, ok := byID[eid]
		if !ok {
			remaining = append(remaining, eid)
			continue
		}
		if parentsApplied(ev, v.applied) {
			ready = append(ready, ev)
		} else {
			remaining = append(remaining, eid)
		}
	}

	if len(ready) == 0 && len(remaining) == len(v.pending) {
		// No progress possible (a causal gap the navigator cannot resolve
		// within budget); drop the remaining events and end the walk
		// with a nil set rather than spinning.
		v.pending = nil
		return nil, nil
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID.Compare(ready[j].ID) < 0 })
	for _, ev := range ready {
		v.applied[ev.ID] = struct{}{}
	}
	v.pending = remaining
	return &ReadySet{Events: ready}, nil
}

func parentsApplied(ev *Event, applied map[id.EventId]struct{}) bool {
	for _, p := range ev.Parent.Members() {
		if _, ok := applied[p]; !ok {
			return false
		}
	}
	return true
}
