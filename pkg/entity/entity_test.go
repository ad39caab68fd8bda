package entity

import (
	"context"
	"testing"
	"time"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/property/lww"
	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/stretchr/testify/require"
)

func newTestBackends() map[string]property.Backend {
	return map[string]property.Backend{lww.Name: lww.New()}
}

func TestEntityForkIsolatesBackends(t *testing.T) {
	e := New(id.NewEntityId(), "album", newTestBackends())
	b := e.Backends[lww.Name].(*lww.Backend)
	b.Set("name", lww.Encode(value.String("original")))

	fork := e.Fork()
	forkBackend := fork.Backends[lww.Name].(*lww.Backend)
	forkBackend.Set("name", lww.Encode(value.String("forked")))

	raw, ok := b.Get("name")
	require.True(t, ok)
	require.NotEqual(t, raw, mustGet(t, forkBackend, "name"))
}

func mustGet(t *testing.T, b *lww.Backend, prop string) []byte {
	t.Helper()
	v, ok := b.Get(prop)
	require.True(t, ok)
	return v
}

func TestEntityApplyReadySetAdvancesHead(t *testing.T) {
	e := New(id.NewEntityId(), "album", newTestBackends())
	b := e.Backends[lww.Name].(*lww.Backend)
	b.Set("name", lww.Encode(value.String("The rest of the bowl")))
	ops, err := e.ToOperations()
	require.NoError(t, err)

	ev := event.New("album", e.ID, e.Head, ops)
	require.NoError(t, e.ApplyReadySet(&event.ReadySet{Events: []*event.Event{ev}}))
	require.True(t, e.Head.Equal(clock.Single(ev.ID)))

	values := e.PropertyValues()
	require.Equal(t, "The rest of the bowl", values["name"].S)
}

func TestEntityCommitStateWaiters(t *testing.T) {
	e := New(id.NewEntityId(), "album", newTestBackends())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.WaitCommitted(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("waiter returned early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	e.MarkCommitted()
	require.NoError(t, <-done)
}

func TestManagerWithStateInternsResident(t *testing.T) {
	m := NewManager()
	eid := id.NewEntityId()

	e1, err := m.WithState(eid, "album", newTestBackends, map[string][]byte{}, clock.Clock{})
	require.NoError(t, err)

	e2, err := m.WithState(eid, "album", newTestBackends, map[string][]byte{}, clock.Clock{})
	require.NoError(t, err)
	require.Same(t, e1, e2)
}

func TestManagerRemoveEvicts(t *testing.T) {
	m := NewManager()
	e := New(id.NewEntityId(), "album", newTestBackends())
	m.Insert(e)
	require.Equal(t, 1, m.Len())

	m.Remove(e.ID)
	_, ok := m.Get(e.ID)
	require.False(t, ok)
}
