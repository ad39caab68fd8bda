package ref

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestSetGetClear(t *testing.T) {
	b := New()
	target := id.NewEntityId()
	b.Set("owner", target)

	got, ok := b.Get("owner")
	require.True(t, ok)
	require.Equal(t, target, got)

	b.Clear("owner")
	_, ok = b.Get("owner")
	require.False(t, ok)
}

func TestStateBufferRoundTrip(t *testing.T) {
	b := New()
	target := id.NewEntityId()
	b.Set("owner", target)
	b.Clear("archived_by")

	buf, err := b.ToStateBuffer()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.FromStateBuffer(buf))

	got, ok := restored.Get("owner")
	require.True(t, ok)
	require.Equal(t, target, got)

	_, ok = restored.Get("archived_by")
	require.False(t, ok)
}

func TestApplyOperationsOverwrites(t *testing.T) {
	src := New()
	target := id.NewEntityId()
	src.Set("owner", target)
	ops, err := src.ToOperations()
	require.NoError(t, err)

	dst := New()
	require.NoError(t, dst.ApplyOperations(ops, clock.Empty(), clock.Empty()))

	got, ok := dst.Get("owner")
	require.True(t, ok)
	require.Equal(t, target, got)
}
