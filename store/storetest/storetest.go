// Package storetest holds the behaviour every core.Database driver must share.
// Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/store"
)

// Opener returns a fresh, empty database. Run closes it.
type Opener func(t *testing.T) core.Database

// Run exercises the core.Table contract against the database returned by open.
func Run(t *testing.T, open Opener) {
	t.Run("CreateAssignsIDAndTimestamps", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()

		rec, err := db.Table("skus").Create(ctx, core.Record{"sku": "A-1", "qty": 3})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID())
		assert.NotEmpty(t, rec[store.FieldCreatedAt])
		assert.NotEmpty(t, rec[store.FieldUpdatedAt])

		got, err := db.Table("skus").FindByID(ctx, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, "A-1", got["sku"])
		assert.EqualValues(t, 3, got["qty"])
	})

	t.Run("CreateKeepsGivenID", func(t *testing.T) {
		db := openDB(t, open)

		rec, err := db.Table("skus").Create(context.Background(), core.Record{"id": "sku-7"})
		require.NoError(t, err)
		assert.Equal(t, "sku-7", rec.ID())
	})

	t.Run("CreateDoesNotMutateInput", func(t *testing.T) {
		db := openDB(t, open)
		in := core.Record{"sku": "A-1"}

		_, err := db.Table("skus").Create(context.Background(), in)
		require.NoError(t, err)
		assert.NotContains(t, in, "id")
	})

	t.Run("FindByIDMissing", func(t *testing.T) {
		db := openDB(t, open)

		_, err := db.Table("skus").FindByID(context.Background(), "nope")
		require.ErrorIs(t, err, core.ErrRecordNotFound)
	})

	t.Run("FindManyFiltersByEquality", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()
		tbl := db.Table("skus")

		for _, r := range []core.Record{
			{"id": "a", "store": "berlin", "qty": 1},
			{"id": "b", "store": "munich", "qty": 2},
			{"id": "c", "store": "berlin", "qty": 2},
		} {
			_, err := tbl.Create(ctx, r)
			require.NoError(t, err)
		}

		all, err := tbl.FindMany(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		berlin, err := tbl.FindMany(ctx, core.Condition{"store": "berlin"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(berlin))

		both, err := tbl.FindMany(ctx, core.Condition{"store": "berlin", "qty": 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(both))

		none, err := tbl.FindMany(ctx, core.Condition{"missing": "x"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("TablesAreIsolated", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()

		_, err := db.Table("skus").Create(ctx, core.Record{"id": "x"})
		require.NoError(t, err)

		_, err = db.Table("orders").FindByID(ctx, "x")
		require.ErrorIs(t, err, core.ErrRecordNotFound)

		orders, err := db.Table("orders").FindMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("UpdateMergesFields", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()
		tbl := db.Table("skus")

		created, err := tbl.Create(ctx, core.Record{"id": "a", "sku": "A-1", "qty": 1})
		require.NoError(t, err)

		updated, err := tbl.Update(ctx, "a", core.Record{"qty": 5, "id": "other", "created_at": "never"})
		require.NoError(t, err)
		assert.Equal(t, "a", updated.ID())
		assert.Equal(t, "A-1", updated["sku"])
		assert.EqualValues(t, 5, updated["qty"])
		assert.Equal(t, created[store.FieldCreatedAt], updated[store.FieldCreatedAt])

		got, err := tbl.FindByID(ctx, "a")
		require.NoError(t, err)
		assert.EqualValues(t, 5, got["qty"])
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		db := openDB(t, open)

		_, err := db.Table("skus").Update(context.Background(), "nope", core.Record{"qty": 1})
		require.ErrorIs(t, err, core.ErrRecordNotFound)
	})

	t.Run("UpsertCreatesThenMerges", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()
		tbl := db.Table("skus")

		first, err := tbl.Upsert(ctx, core.Record{"id": "a", "qty": 1, "sku": "A-1"})
		require.NoError(t, err)
		assert.Equal(t, "a", first.ID())

		second, err := tbl.Upsert(ctx, core.Record{"id": "a", "qty": 9})
		require.NoError(t, err)
		assert.EqualValues(t, 9, second["qty"])
		assert.Equal(t, "A-1", second["sku"])

		all, err := tbl.FindMany(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		fresh, err := tbl.Upsert(ctx, core.Record{"qty": 2})
		require.NoError(t, err)
		assert.NotEmpty(t, fresh.ID())
	})

	t.Run("Delete", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()
		tbl := db.Table("skus")

		_, err := tbl.Create(ctx, core.Record{"id": "a"})
		require.NoError(t, err)

		require.NoError(t, tbl.Delete(ctx, "a"))
		_, err = tbl.FindByID(ctx, "a")
		require.ErrorIs(t, err, core.ErrRecordNotFound)

		require.ErrorIs(t, tbl.Delete(ctx, "a"), core.ErrRecordNotFound)
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		db := openDB(t, open)
		ctx := context.Background()
		tbl := db.Table("counters")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tbl.Create(ctx, core.Record{"kind": "tick"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		all, err := tbl.FindMany(ctx, core.Condition{"kind": "tick"})
		require.NoError(t, err)
		assert.Len(t, all, 20)
	})
}

func openDB(t *testing.T, open Opener) core.Database {
	t.Helper()
	db := open(t)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ids(records []core.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID())
	}
	return out
}
