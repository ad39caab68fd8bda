package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/property/lww"
	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const albums = id.CollectionId("albums")

func newAlbum(t *testing.T, year int32) *entity.Entity {
	t.Helper()
	b := lww.New()
	b.Set("year", lww.Encode(value.I32(year)))
	e := entity.New(id.NewEntityId(), albums, map[string]property.Backend{lww.Name: b})
	e.MarkCommitted()
	return e
}

func setYear(e *entity.Entity, year int32) {
	b := e.Backends[lww.Name].(*lww.Backend)
	b.Set("year", lww.Encode(value.I32(year)))
}

func yearGT(year int32) *predicate.Predicate {
	return predicate.Comparison(predicate.NewPropertyPath("year"), predicate.OpGt, value.I32(year))
}

// collectUpdates registers a buffered listener. It must be called before
// the action whose update is awaited: AddQuery and UpdateSelection emit
// synchronously, and NotifyEventBatch emits before it returns.
func collectUpdates(t *testing.T, sub *Subscription) chan ReactorUpdate {
	t.Helper()
	ch := make(chan ReactorUpdate, 8)
	guard := sub.Updates().Listen(func(u ReactorUpdate) { ch <- u })
	t.Cleanup(guard.Close)
	return ch
}

func nextUpdate(t *testing.T, ch chan ReactorUpdate) ReactorUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reactor update")
		return ReactorUpdate{}
	}
}

func TestAddQuerySeedsInitialMembership(t *testing.T) {
	r := New(logrus.NewEntry(logrus.New()))
	defer r.Close()

	entities := []*entity.Entity{newAlbum(t, 2020), newAlbum(t, 2021), newAlbum(t, 2022)}

	sub := r.NewSubscription()
	defer sub.Close()

	received := make(chan ReactorUpdate, 1)
	guard := sub.Updates().Listen(func(u ReactorUpdate) { received <- u })
	defer guard.Close()

	_, err := r.AddQuery(sub, albums, yearGT(2020), entities)
	require.NoError(t, err)

	update := <-received
	require.Len(t, update.Items, 2)
	for _, item := range update.Items {
		require.Len(t, item.PredicateRelevance, 1)
		require.Equal(t, Initial, item.PredicateRelevance[0].Change)
	}
}

func TestNotifyEventBatchAddsAndRemovesMembership(t *testing.T) {
	r := New(logrus.NewEntry(logrus.New()))
	defer r.Close()

	old := newAlbum(t, 2019)
	sub := r.NewSubscription()
	defer sub.Close()
	updates := collectUpdates(t, sub)

	_, err := r.AddQuery(sub, albums, yearGT(2020), []*entity.Entity{old})
	require.NoError(t, err)

	setYear(old, 2025)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.NotifyEventBatch(ctx, []EntityChange{{Entity: old}}))

	update := nextUpdate(t, updates)
	require.Len(t, update.Items, 1)
	require.Equal(t, Add, update.Items[0].PredicateRelevance[0].Change)

	setYear(old, 2000)
	require.NoError(t, r.NotifyEventBatch(ctx, []EntityChange{{Entity: old}}))
	update = nextUpdate(t, updates)
	require.Len(t, update.Items, 1)
	require.Equal(t, Remove, update.Items[0].PredicateRelevance[0].Change)
}

// TestPredicateMembershipTransition reproduces the year>2020 -> year>2021
// reselection scenario: five albums spanning 2020-2024, an initial
// subscription excludes 2020, then UpdateSelection narrows it and 2021
// should be reported Remove.
func TestPredicateMembershipTransition(t *testing.T) {
	r := New(logrus.NewEntry(logrus.New()))
	defer r.Close()

	var all []*entity.Entity
	for year := int32(2020); year <= 2024; year++ {
		all = append(all, newAlbum(t, year))
	}

	sub := r.NewSubscription()
	defer sub.Close()

	// Buffered collector registered up front: AddQuery and UpdateSelection
	// both emit synchronously.
	updates := make(chan ReactorUpdate, 4)
	guard := sub.Updates().Listen(func(u ReactorUpdate) { updates <- u })
	defer guard.Close()

	qid, err := r.AddQuery(sub, albums, yearGT(2020), all)
	require.NoError(t, err)

	initial := <-updates
	require.Len(t, initial.Items, 4) // 2021..2024

	require.NoError(t, r.UpdateSelection(sub, qid, yearGT(2021), all))
	update := <-updates

	var removed int
	for _, item := range update.Items {
		for _, rel := range item.PredicateRelevance {
			if rel.Change == Remove {
				removed++
			}
		}
	}
	require.Equal(t, 1, removed)
}

func TestEntitySubscriptionDeliversImplicitUpdates(t *testing.T) {
	r := New(logrus.NewEntry(logrus.New()))
	defer r.Close()

	e := newAlbum(t, 2020)
	sub := r.NewSubscription()
	defer sub.Close()
	updates := collectUpdates(t, sub)

	r.AddEntitySubscriptions(sub, []id.EntityId{e.ID})

	setYear(e, 2021)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.NotifyEventBatch(ctx, []EntityChange{{Entity: e}}))

	update := nextUpdate(t, updates)
	require.Len(t, update.Items, 1)
	require.True(t, update.Items[0].EntitySubscribed)
	require.False(t, update.Items[0].HasMembershipChange())
}

func TestDropSubscriptionStopsFurtherDelivery(t *testing.T) {
	r := New(logrus.NewEntry(logrus.New()))
	defer r.Close()

	e := newAlbum(t, 2022)
	sub := r.NewSubscription()
	_, err := r.AddQuery(sub, albums, yearGT(2020), []*entity.Entity{e})
	require.NoError(t, err)

	sub.Close()

	r.mu.RLock()
	_, stillPresent := r.subs[sub.ID]
	r.mu.RUnlock()
	require.False(t, stillPresent)
}
