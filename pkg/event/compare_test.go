package event

import (
	"context"
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/stretchr/testify/require"
)

type memFetcher struct {
	byID map[id.EventId]*Event
}

func newMemFetcher() *memFetcher { return &memFetcher{byID: make(map[id.EventId]*Event)} }

func (f *memFetcher) put(e *Event) { f.byID[e.ID] = e }

func (f *memFetcher) GetEvents(_ context.Context, ids []id.EventId) ([]*Event, error) {
	out := make([]*Event, 0, len(ids))
	for _, eid := range ids {
		if ev, ok := f.byID[eid]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func genesisEvent(entity id.EntityId) *Event {
	return New("people", entity, clock.Empty(), nil)
}

// childEvent's tag feeds the operation payload so two children of the
// same parent still hash to distinct event ids.
func childEvent(entity id.EntityId, parent clock.Clock, tag string) *Event {
	ops := map[string][]property.Operation{"lww": {{Diff: []byte(tag)}}}
	return New("people", entity, parent, ops)
}

func TestCompareEqual(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)

	rel, err := Compare(context.Background(), nav, clock.Single(g.ID), clock.Single(g.ID), 100)
	require.NoError(t, err)
	require.Equal(t, clock.RelationEqual, rel.Kind)
}

func TestCompareStrictDescends(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)
	c1 := childEvent(entity, clock.Single(g.ID), "c1")
	fetcher.put(c1)
	c2 := childEvent(entity, clock.Single(c1.ID), "c2")
	fetcher.put(c2)

	rel, err := Compare(context.Background(), nav, clock.Single(c2.ID), clock.Single(g.ID), 100)
	require.NoError(t, err)
	require.Equal(t, clock.RelationStrictDescends, rel.Kind)

	inv, err := Compare(context.Background(), nav, clock.Single(g.ID), clock.Single(c2.ID), 100)
	require.NoError(t, err)
	require.Equal(t, clock.RelationStrictAscends, inv.Kind)
}

func TestCompareDiverged(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)
	left := childEvent(entity, clock.Single(g.ID), "left")
	fetcher.put(left)
	right := childEvent(entity, clock.Single(g.ID), "right")
	fetcher.put(right)

	rel, err := Compare(context.Background(), nav, clock.Single(left.ID), clock.Single(right.ID), 100)
	require.NoError(t, err)
	require.Equal(t, clock.RelationDivergedSince, rel.Kind)
	require.Contains(t, rel.Meet, g.ID)
}

func TestCompareDisjoint(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	gA := genesisEvent(id.NewEntityId())
	fetcher.put(gA)
	gB := genesisEvent(id.NewEntityId())
	fetcher.put(gB)

	rel, err := Compare(context.Background(), nav, clock.Single(gA.ID), clock.Single(gB.ID), 100)
	require.NoError(t, err)
	require.Equal(t, clock.RelationDisjoint, rel.Kind)
}

func TestCompareBudgetExceeded(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)
	c1 := childEvent(entity, clock.Single(g.ID), "c1")
	fetcher.put(c1)

	rel, err := Compare(context.Background(), nav, clock.Single(c1.ID), clock.Single(g.ID), 0)
	require.NoError(t, err)
	require.Equal(t, clock.RelationBudgetExceeded, rel.Kind)
}
