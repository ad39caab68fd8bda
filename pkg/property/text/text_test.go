package text

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/stretchr/testify/require"
)

func TestInsertAppendAndPrepend(t *testing.T) {
	b := New("node-a")
	b.Insert("body", 0, "world")
	b.Insert("body", 0, "hello ")
	require.Equal(t, "hello world", b.Value("body"))
}

func TestDeleteRange(t *testing.T) {
	b := New("node-a")
	b.Insert("body", 0, "hello world")
	b.Delete("body", 5, 6)
	require.Equal(t, "hello", b.Value("body"))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	base := New("node-a")
	base.Insert("body", 0, "ac")
	baseOps, err := base.ToOperations()
	require.NoError(t, err)

	replicaA := New("node-a")
	require.NoError(t, replicaA.ApplyOperations(baseOps, clock.Empty(), clock.Empty()))
	replicaB := New("node-b")
	require.NoError(t, replicaB.ApplyOperations(baseOps, clock.Empty(), clock.Empty()))

	// Two replicas concurrently insert 'b' between 'a' and 'c'.
	replicaA.Insert("body", 1, "b1")
	opsA, err := replicaA.ToOperations()
	require.NoError(t, err)

	replicaB.Insert("body", 1, "b2")
	opsB, err := replicaB.ToOperations()
	require.NoError(t, err)

	// Apply in opposite orders on two more replicas and confirm convergence.
	mergedForward := New("node-c")
	require.NoError(t, mergedForward.ApplyOperations(baseOps, clock.Empty(), clock.Empty()))
	require.NoError(t, mergedForward.ApplyOperations(opsA, clock.Empty(), clock.Empty()))
	require.NoError(t, mergedForward.ApplyOperations(opsB, clock.Empty(), clock.Empty()))

	mergedBackward := New("node-d")
	require.NoError(t, mergedBackward.ApplyOperations(baseOps, clock.Empty(), clock.Empty()))
	require.NoError(t, mergedBackward.ApplyOperations(opsB, clock.Empty(), clock.Empty()))
	require.NoError(t, mergedBackward.ApplyOperations(opsA, clock.Empty(), clock.Empty()))

	require.Equal(t, mergedForward.Value("body"), mergedBackward.Value("body"))
	require.Len(t, mergedForward.Value("body"), 6)
}

func TestStateBufferRoundTrip(t *testing.T) {
	b := New("node-a")
	b.Insert("body", 0, "abc")
	b.Delete("body", 1, 1)

	buf, err := b.ToStateBuffer()
	require.NoError(t, err)

	restored := New("node-a")
	require.NoError(t, restored.FromStateBuffer(buf))
	require.Equal(t, b.Value("body"), restored.Value("body"))
}

func TestApplyOperationsIsIdempotentForInserts(t *testing.T) {
	src := New("node-a")
	src.Insert("body", 0, "x")
	ops, err := src.ToOperations()
	require.NoError(t, err)

	dst := New("node-b")
	require.NoError(t, dst.ApplyOperations(ops, clock.Empty(), clock.Empty()))
	require.NoError(t, dst.ApplyOperations(ops, clock.Empty(), clock.Empty()))
	require.Equal(t, "x", dst.Value("body"))
}
