package diffresolver

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestResolveFindsStaleAndMissing(t *testing.T) {
	a, b, c, d := id.NewEntityId(), id.NewEntityId(), id.NewEntityId(), id.NewEntityId()

	local := []id.EntityId{a, b, c}
	remote := []id.EntityId{a, c, d}

	res := Resolve(local, remote)
	require.ElementsMatch(t, []id.EntityId{b}, res.Stale)
	require.ElementsMatch(t, []id.EntityId{d}, res.Missing)
}

func TestResolveIdenticalSetsHasNoDelta(t *testing.T) {
	a, b := id.NewEntityId(), id.NewEntityId()
	ids := []id.EntityId{a, b}
	res := Resolve(ids, ids)
	require.Empty(t, res.Stale)
	require.Empty(t, res.Missing)
}
