package event

import (
	"context"
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestForwardViewLinearChain(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)
	c1 := childEvent(entity, clock.Single(g.ID), "c1")
	fetcher.put(c1)
	c2 := childEvent(entity, clock.Single(c1.ID), "c2")
	fetcher.put(c2)

	view := NewForwardView(nav, []id.EventId{c1.ID, c2.ID}, clock.Single(g.ID), 100)

	set, err := view.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Events, 1)
	require.Equal(t, c1.ID, set.Events[0].ID)

	set, err = view.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Events, 1)
	require.Equal(t, c2.ID, set.Events[0].ID)

	require.True(t, view.Done())
}

func TestForwardViewGroupsConcurrentEvents(t *testing.T) {
	fetcher := newMemFetcher()
	nav := NewLocalNavigator(fetcher)
	entity := id.NewEntityId()
	g := genesisEvent(entity)
	fetcher.put(g)
	left := childEvent(entity, clock.Single(g.ID), "left")
	fetcher.put(left)
	right := childEvent(entity, clock.Single(g.ID), "right")
	fetcher.put(right)

	view := NewForwardView(nav, []id.EventId{left.ID, right.ID}, clock.Single(g.ID), 100)

	set, err := view.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Events, 2)
	require.True(t, view.Done())
}
