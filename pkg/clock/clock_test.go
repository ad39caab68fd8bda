package clock

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestClockNormalizeDedup(t *testing.T) {
	e1 := id.NewEventId([]byte("a"))
	e2 := id.NewEventId([]byte("b"))
	c := New(e1, e2, e1)
	require.Len(t, c.Members(), 2)
	require.True(t, c.Contains(e1))
	require.True(t, c.Contains(e2))
}

func TestClockEqual(t *testing.T) {
	e1 := id.NewEventId([]byte("a"))
	e2 := id.NewEventId([]byte("b"))
	require.True(t, New(e1, e2).Equal(New(e2, e1)))
	require.False(t, New(e1).Equal(New(e2)))
}

func TestRelationInvertRoundTrips(t *testing.T) {
	e1 := id.NewEventId([]byte("a"))
	r := Relation{Kind: RelationStrictDescends, Chain: []id.EventId{e1}}
	inv := r.Invert()
	require.Equal(t, RelationStrictAscends, inv.Kind)
	require.Equal(t, RelationStrictDescends, inv.Invert().Kind)
}

func TestRelationInvertDiverged(t *testing.T) {
	s := id.NewEventId([]byte("s"))
	o := id.NewEventId([]byte("o"))
	r := Relation{Kind: RelationDivergedSince, Subject: []id.EventId{s}, Other: []id.EventId{o}}
	inv := r.Invert()
	require.Equal(t, []id.EventId{o}, inv.Subject)
	require.Equal(t, []id.EventId{s}, inv.Other)
}
