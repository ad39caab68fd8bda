package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/storage"
	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/stretchr/testify/require"
)

func TestCollectionGetStateNotFound(t *testing.T) {
	e := New(0)
	coll, err := e.Collection(context.Background(), "album")
	require.NoError(t, err)

	_, err = coll.GetState(context.Background(), id.NewEntityId())
	var notFound *errs.EntityNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestCollectionSetStateIdempotent(t *testing.T) {
	e := New(0)
	coll, _ := e.Collection(context.Background(), "album")
	entityId := id.NewEntityId()
	ev := event.New("album", entityId, clock.Empty(), nil)
	state := storage.State{Head: clock.Single(ev.ID), Values: map[string]value.Value{"year": value.I32(2024)}}

	changed, err := coll.SetState(context.Background(), entityId, state)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = coll.SetState(context.Background(), entityId, state)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestCollectionAddEventIdempotent(t *testing.T) {
	e := New(0)
	coll, _ := e.Collection(context.Background(), "album")
	ev := event.New("album", id.NewEntityId(), clock.Empty(), nil)

	inserted, err := coll.AddEvent(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = coll.AddEvent(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := coll.GetEvents(context.Background(), []id.EventId{ev.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCollectionFetchStatesEvaluatesPredicate(t *testing.T) {
	e := New(0)
	coll, _ := e.Collection(context.Background(), "album")
	for _, year := range []int32{2020, 2021, 2022} {
		entityId := id.NewEntityId()
		ev := event.New("album", entityId, clock.Empty(), nil)
		_, err := coll.SetState(context.Background(), entityId, storage.State{
			Head:   clock.Single(ev.ID),
			Values: map[string]value.Value{"year": value.I32(year)},
		})
		require.NoError(t, err)
	}

	pred := predicate.Comparison(predicate.NewPropertyPath("year"), predicate.OpGt, value.I32(2020))
	matches, err := coll.FetchStates(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestCollectionRemoteCacheTTL(t *testing.T) {
	e := New(10 * time.Millisecond)
	coll, _ := e.Collection(context.Background(), "album")
	asMem := coll.(*Collection)
	entityId := id.NewEntityId()

	asMem.CacheRemoteState(entityId, storage.State{})
	_, ok := asMem.RemoteStateCached(entityId)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = asMem.RemoteStateCached(entityId)
	require.False(t, ok)
}
