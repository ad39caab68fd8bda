package txn

import (
	"context"
	"testing"

	"github.com/ankurah-go/ankurah/pkg/entity"
	"github.com/ankurah-go/ankurah/pkg/errs"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/property/lww"
	"github.com/ankurah-go/ankurah/pkg/storage"
	"github.com/ankurah-go/ankurah/pkg/storage/memstore"
	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/stretchr/testify/require"
)

const albums = id.CollectionId("albums")

func newDeps(t *testing.T) (Deps, *entity.Manager, *memstore.Engine) {
	t.Helper()
	mgr := entity.NewManager()
	store := memstore.New(0)
	deps := Deps{
		Manager: mgr,
		Storage: func(ctx context.Context, collection id.CollectionId) (storage.Collection, error) {
			return store.Collection(ctx, collection)
		},
	}
	return deps, mgr, store
}

func newBackends() map[string]property.Backend {
	return map[string]property.Backend{lww.Name: lww.New()}
}

func TestCreateAndCommitPersistsState(t *testing.T) {
	deps, _, store := newDeps(t)
	ctx := context.Background()

	tx := Begin(deps)
	mut, err := tx.Create(ctx, albums, newBackends())
	require.NoError(t, err)

	b := mut.Entity().Backends[lww.Name].(*lww.Backend)
	b.Set("title", lww.Encode(value.String("Blue Train")))

	require.NoError(t, tx.Commit(ctx))

	coll, err := store.Collection(ctx, albums)
	require.NoError(t, err)
	state, err := coll.GetState(ctx, mut.Entity().ID)
	require.NoError(t, err)
	require.False(t, state.Head.IsEmpty())
	require.Equal(t, "Blue Train", state.Values["title"].S)
}

func TestEditExistingEntityAdvancesHead(t *testing.T) {
	deps, mgr, _ := newDeps(t)
	ctx := context.Background()

	tx1 := Begin(deps)
	mut, err := tx1.Create(ctx, albums, newBackends())
	require.NoError(t, err)
	entityId := mut.Entity().ID
	mut.Entity().Backends[lww.Name].(*lww.Backend).Set("year", lww.Encode(value.I32(2020)))
	require.NoError(t, tx1.Commit(ctx))

	headAfterCreate := mut.Entity().View().Head()

	tx2 := Begin(deps)
	mut2, err := tx2.Edit(ctx, entityId)
	require.NoError(t, err)
	mut2.Entity().Backends[lww.Name].(*lww.Backend).Set("year", lww.Encode(value.I32(2021)))
	require.NoError(t, tx2.Commit(ctx))

	resident, ok := mgr.Get(entityId)
	require.True(t, ok)
	require.False(t, resident.View().Head().Equal(headAfterCreate))
	require.Equal(t, int64(2021), resident.PropertyValues()["year"].I)
}

func TestEditUnknownEntityFails(t *testing.T) {
	deps, _, _ := newDeps(t)
	tx := Begin(deps)
	_, err := tx.Edit(context.Background(), id.NewEntityId())
	require.Error(t, err)
	var notFound *errs.EntityNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestRollbackEvictsCreatedEntity(t *testing.T) {
	deps, mgr, _ := newDeps(t)
	ctx := context.Background()

	tx := Begin(deps)
	mut, err := tx.Create(ctx, albums, newBackends())
	require.NoError(t, err)
	entityId := mut.Entity().ID

	_, ok := mgr.Get(entityId)
	require.True(t, ok)

	tx.Rollback()

	_, ok = mgr.Get(entityId)
	require.False(t, ok)
}

func TestConcurrentEditPhantomConflictRejected(t *testing.T) {
	deps, _, _ := newDeps(t)
	ctx := context.Background()

	tx1 := Begin(deps)
	mut, err := tx1.Create(ctx, albums, newBackends())
	require.NoError(t, err)
	entityId := mut.Entity().ID
	require.NoError(t, tx1.Commit(ctx))

	txA := Begin(deps)
	mutA, err := txA.Edit(ctx, entityId)
	require.NoError(t, err)
	mutA.Entity().Backends[lww.Name].(*lww.Backend).Set("year", lww.Encode(value.I32(2030)))

	txB := Begin(deps)
	mutB, err := txB.Edit(ctx, entityId)
	require.NoError(t, err)
	mutB.Entity().Backends[lww.Name].(*lww.Backend).Set("year", lww.Encode(value.I32(2031)))

	require.NoError(t, txA.Commit(ctx))
	err = txB.Commit(ctx)
	require.Error(t, err)
}
