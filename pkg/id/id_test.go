package id

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntityIdRoundTrip(t *testing.T) {
	e := NewEntityId()
	s := e.String()
	back, err := EntityIdFromString(s)
	require.NoError(t, err)
	require.Equal(t, e, back)
}

func TestEventIdDeterministic(t *testing.T) {
	a := NewEventId([]byte("same content"))
	b := NewEventId([]byte("same content"))
	require.Equal(t, a, b)

	c := NewEventId([]byte("different content"))
	require.NotEqual(t, a, c)
}

func TestEventIdShort(t *testing.T) {
	e := NewEventId([]byte("x"))
	require.Len(t, e.Short(), 6)
	require.Contains(t, e.String(), e.Short())
}

func TestQueryIdCompareDistinctValues(t *testing.T) {
	a := NewQueryId()
	b := NewQueryId()
	require.NotEqual(t, 0, a.Compare(b))
}
