package event

import (
	"context"
	"sort"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"golang.org/x/sync/errgroup"
)

// frontier tracks one side's backward walk: active holds ids not yet
// expanded, seen holds every id ever visited on this side (including the
// starting members), and order records visitation order (newest-first,
// since we walk backward from tips) for chain reconstruction.
type frontier struct {
	active map[id.EventId]struct{}
	seen   map[id.EventId]struct{}
	order  []id.EventId
	roots  []id.EventId // genesis events reached with no further parents
}

func newFrontier(c clock.Clock) *frontier {
	f := &frontier{active: map[id.EventId]struct{}{}, seen: map[id.EventId]struct{}{}}
	for _, m := range c.Members() {
		f.active[m] = struct{}{}
		f.seen[m] = struct{}{}
		f.order = append(f.order, m)
	}
	return f
}

func (f *frontier) ids() []id.EventId {
	ids := make([]id.EventId, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

// Compare implements spec.md section 4.3's comparison algorithm: a
// bidirectional backward walk over the event DAG that terminates in one
// of Equal / StrictDescends / StrictAscends / DivergedSince / Disjoint /
// BudgetExceeded, as defined by clock.Relation.
func Compare(ctx context.Context, nav CausalNavigator, subject, other clock.Clock, budget int) (clock.Relation, error) {
	if subject.Equal(other) {
		return clock.Relation{Kind: clock.RelationEqual}, nil
	}

	subjFrontier := newFrontier(subject)
	otherFrontier := newFrontier(other)

	for len(subjFrontier.active) > 0 || len(otherFrontier.active) > 0 {
		if budget <= 0 {
			return clock.Relation{
				Kind:           clock.RelationBudgetExceeded,
				PendingSubject: subjFrontier.ids(),
				PendingOther:   otherFrontier.ids(),
			}, nil
		}

		expandSubject := len(subjFrontier.active) > 0 && len(subjFrontier.active) >= len(otherFrontier.active)
		expandOther := len(otherFrontier.active) > 0 && len(otherFrontier.active) >= len(subjFrontier.active)

		switch {
		case expandSubject && expandOther:
			// Tied depth: expand both sides in parallel, each against half
			// the remaining budget, via errgroup so a navigator error on
			// either side aborts the comparison promptly. Each side prunes
			// against a pre-expansion snapshot of the opposite seen set so
			// the concurrent steps never read a map the other is writing.
			half := budget / 2
			if half < 1 {
				half = 1
			}
			subjSeen := snapshot(subjFrontier.seen)
			otherSeen := snapshot(otherFrontier.seen)
			var subjConsumed, otherConsumed int
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				subjConsumed, err = step(gctx, nav, subjFrontier, otherSeen, half)
				return err
			})
			g.Go(func() error {
				var err error
				otherConsumed, err = step(gctx, nav, otherFrontier, subjSeen, budget-half)
				return err
			})
			if err := g.Wait(); err != nil {
				return clock.Relation{}, err
			}
			budget -= subjConsumed + otherConsumed
		case expandSubject:
			consumed, err := step(ctx, nav, subjFrontier, otherFrontier.seen, budget)
			if err != nil {
				return clock.Relation{}, err
			}
			budget -= consumed
		case expandOther:
			consumed, err := step(ctx, nav, otherFrontier, subjFrontier.seen, budget)
			if err != nil {
				return clock.Relation{}, err
			}
			budget -= consumed
		}
	}

	return resolve(subject, other, subjFrontier, otherFrontier), nil
}

// step expands one frontier by one generation: fetch events for its
// active ids, then replace each with its unexplored parents. Parents
// already seen by the opposite side are meet points: they are recorded
// in this side's seen set (the subsumption checks in resolve need them)
// but dropped from the active frontier, since there is nothing further
// to learn by walking past them -- spec.md section 4.3 step 3.
func step(ctx context.Context, nav CausalNavigator, f *frontier, oppositeSeen map[id.EventId]struct{}, budget int) (int, error) {
	ids := f.ids()
	result, err := nav.ExpandFrontier(ctx, ids, budget)
	if err != nil {
		return 0, err
	}
	byID := make(map[id.EventId]*Event, len(result.Events))
	for _, ev := range result.Events {
		byID[ev.ID] = ev
	}
	next := map[id.EventId]struct{}{}
	for _, eid := range ids {
		delete(f.active, eid)
		ev, ok := byID[eid]
		if !ok {
			continue // navigator had nothing for this id (already resolved via assertion, or pruned)
		}
		if ev.IsGenesis() {
			f.roots = append(f.roots, eid)
			continue
		}
		for _, parent := range ev.Parent.Members() {
			if _, already := f.seen[parent]; already {
				continue
			}
			f.seen[parent] = struct{}{}
			f.order = append(f.order, parent)
			if _, meet := oppositeSeen[parent]; meet {
				continue
			}
			next[parent] = struct{}{}
		}
	}
	for eid := range next {
		f.active[eid] = struct{}{}
	}
	return result.ConsumedBudget, nil
}

func snapshot(m map[id.EventId]struct{}) map[id.EventId]struct{} {
	out := make(map[id.EventId]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func containsAll(seen map[id.EventId]struct{}, members []id.EventId) bool {
	for _, m := range members {
		if _, ok := seen[m]; !ok {
			return false
		}
	}
	return true
}

func resolve(subject, other clock.Clock, subjFrontier, otherFrontier *frontier) clock.Relation {
	otherSubsumedBySubject := containsAll(subjFrontier.seen, other.Members())
	subjectSubsumedByOther := containsAll(otherFrontier.seen, subject.Members())

	switch {
	case otherSubsumedBySubject && subjectSubsumedByOther:
		return clock.Relation{Kind: clock.RelationEqual}
	case otherSubsumedBySubject:
		return clock.Relation{Kind: clock.RelationStrictDescends, Chain: reverseChain(subjFrontier, otherFrontier.seen)}
	case subjectSubsumedByOther:
		return clock.Relation{Kind: clock.RelationStrictAscends}
	}

	meet := intersect(subjFrontier.seen, otherFrontier.seen)
	if len(meet) > 0 {
		return clock.Relation{
			Kind:         clock.RelationDivergedSince,
			Meet:         meet,
			Subject:      subject.Members(),
			Other:        other.Members(),
			SubjectChain: reverseChain(subjFrontier, otherFrontier.seen),
			OtherChain:   reverseChain(otherFrontier, subjFrontier.seen),
		}
	}

	rel := clock.Relation{Kind: clock.RelationDisjoint}
	if len(subjFrontier.roots) > 0 {
		rel.SubjectRoot = subjFrontier.roots[0]
	}
	if len(otherFrontier.roots) > 0 {
		rel.OtherRoot = otherFrontier.roots[0]
	}
	return rel
}

// reverseChain returns f's visitation order, oldest-first, restricted to
// ids not already known to the opposite side -- the forward-replay path
// from the opposite frontier to this side's tip.
func reverseChain(f *frontier, exclude map[id.EventId]struct{}) []id.EventId {
	var chain []id.EventId
	for i := len(f.order) - 1; i >= 0; i-- {
		eid := f.order[i]
		if _, skip := exclude[eid]; skip {
			continue
		}
		chain = append(chain, eid)
	}
	return chain
}

func intersect(a, b map[id.EventId]struct{}) []id.EventId {
	var out []id.EventId
	for eid := range a {
		if _, ok := b[eid]; ok {
			out = append(out, eid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
