package event

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/stretchr/testify/require"
)

func TestNewEventIsDeterministic(t *testing.T) {
	entity := id.NewEntityId()
	parent := clock.Empty()
	ops := map[string][]property.Operation{"lww": {{Diff: []byte("a")}}}

	e1 := New("people", entity, parent, ops)
	e2 := New("people", entity, parent, ops)
	require.Equal(t, e1.ID, e2.ID)
}

func TestNewEventDiffersOnOperations(t *testing.T) {
	entity := id.NewEntityId()
	parent := clock.Empty()

	e1 := New("people", entity, parent, map[string][]property.Operation{"lww": {{Diff: []byte("a")}}})
	e2 := New("people", entity, parent, map[string][]property.Operation{"lww": {{Diff: []byte("b")}}})
	require.NotEqual(t, e1.ID, e2.ID)
}

func TestIsGenesis(t *testing.T) {
	entity := id.NewEntityId()
	genesis := New("people", entity, clock.Empty(), nil)
	require.True(t, genesis.IsGenesis())

	child := New("people", entity, clock.Single(genesis.ID), nil)
	require.False(t, child.IsGenesis())
}
