// Package backendtest holds the behavior every backend.Backend must show,
// as a test suite each engine runs against itself.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

// Factory opens a backend storing its files under dir. Calling it twice with
// the same dir must reopen the same data.
type Factory func(t *testing.T, dir string) backend.Backend

// RunBackendTests runs the whole suite against the backend built by factory.
func RunBackendTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		open := func(t *testing.T) backend.Backend {
			b := factory(t, t.TempDir())
			t.Cleanup(func() { _ = b.Close() })
			return b
		}

		t.Run("DependencyOrderCommit", func(t *testing.T) {
			testDependencyOrderCommit(t, open(t))
		})
		t.Run("CollectionNeedsDatabase", func(t *testing.T) {
			testCollectionNeedsDatabase(t, open(t))
		})
		t.Run("ConcreteScenario", func(t *testing.T) {
			testConcreteScenario(t, open(t))
		})
		t.Run("ConsumeRidsDisjoint", func(t *testing.T) {
			testConsumeRidsDisjoint(t, open(t))
		})
		t.Run("RenameMovesOwnership", func(t *testing.T) {
			testRenameMovesOwnership(t, open(t))
		})
		t.Run("DropAndReplace", func(t *testing.T) {
			testDropAndReplace(t, open(t))
		})
		t.Run("WritesThenDropInOneTransaction", func(t *testing.T) {
			testWritesThenDrop(t, open(t))
		})
		t.Run("ReplaceTargetWrittenInSameTransaction", func(t *testing.T) {
			testReplaceWrittenTarget(t, open(t))
		})
		t.Run("OperationsAfterOwnDrop", func(t *testing.T) {
			testOperationsAfterOwnDrop(t, open(t))
		})
		t.Run("InsertAfterRename", func(t *testing.T) {
			testInsertAfterRename(t, open(t))
		})
		t.Run("StaleReservationAfterDrop", func(t *testing.T) {
			testStaleReservationAfterDrop(t, open(t))
		})
		t.Run("DeleteDids", func(t *testing.T) {
			testDeleteDids(t, open(t))
		})
		t.Run("RollbackLeavesNoTrace", func(t *testing.T) {
			testRollbackLeavesNoTrace(t, open(t))
		})
		t.Run("ConcurrentAddCollection", func(t *testing.T) {
			testConcurrentAddCollection(t, open(t))
		})
		t.Run("UserConditionKeepsTransactionOpen", func(t *testing.T) {
			testUserConditionKeepsTransactionOpen(t, open(t))
		})
		t.Run("FinishedTransactionRejectsOperations", func(t *testing.T) {
			testFinishedTransactionRejectsOperations(t, open(t))
		})
		t.Run("ReadIsolation", func(t *testing.T) {
			testReadIsolation(t, open(t))
		})
		t.Run("ValueTypes", func(t *testing.T) {
			testValueTypes(t, open(t))
		})
		t.Run("TimePrecision", func(t *testing.T) {
			testTimePrecision(t, open(t))
		})
		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type fixture struct {
	db   metainf.Database
	col  metainf.Collection
	root metainf.DocPart
	tags metainf.DocPart
	name metainf.Field
	tag  metainf.Scalar
}

// newFixture commits database d, collection c, a root doc part with a string
// field and a tags doc part with a string scalar.
func newFixture(t *testing.T, b backend.Backend) fixture {
	t.Helper()
	ctx := context.Background()
	var fx fixture
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if fx.db, err = tx.AddDatabase(ctx, "d"); err != nil {
			return err
		}
		if fx.col, err = tx.AddCollection(ctx, fx.db, "c"); err != nil {
			return err
		}
		if fx.root, err = tx.AddDocPart(ctx, fx.db, fx.col, metainf.RootTableRef()); err != nil {
			return err
		}
		if fx.name, err = tx.AddField(ctx, fx.db, fx.col, fx.root, "name", metainf.FieldTypeString); err != nil {
			return err
		}
		if fx.tags, err = tx.AddDocPart(ctx, fx.db, fx.col, metainf.NewTableRef("tags")); err != nil {
			return err
		}
		fx.tag, err = tx.AddScalar(ctx, fx.db, fx.col, fx.tags, metainf.FieldTypeString)
		return err
	})
	require.NoError(t, err)
	return fx
}

// insertDocs inserts one document per name, each with two tags, and
// returns their dids.
func insertDocs(t *testing.T, b backend.Backend, fx fixture, names ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	var dids []int64
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, len(names))
		if err != nil {
			return err
		}
		tagFirst, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.tags, 2*len(names))
		if err != nil {
			return err
		}
		roots := d2r.NewDocPartData(fx.root, []metainf.Field{fx.name}, nil)
		tags := d2r.NewDocPartData(fx.tags, nil, []metainf.Scalar{fx.tag})
		for i, name := range names {
			did := first + int64(i)
			dids = append(dids, did)
			roots.AppendRoot(did, []any{name}, nil)
			for j := int64(0); j < 2; j++ {
				tags.AppendChild(did, tagFirst+2*int64(i)+j, did, d2r.Seq(int32(j)), nil, []any{name + "-tag"})
			}
		}
		if err := tx.Insert(ctx, fx.db, fx.col, roots); err != nil {
			return err
		}
		return tx.Insert(ctx, fx.db, fx.col, tags)
	})
	require.NoError(t, err)
	return dids
}

func readRows(t *testing.T, b backend.Backend, db metainf.Database, col metainf.Collection, dp metainf.DocPart) []d2r.Row {
	t.Helper()
	var rows []d2r.Row
	err := backend.View(context.Background(), b, func(tx backend.ReadTransaction) error {
		var err error
		rows, err = tx.ReadRows(context.Background(), db, col, dp)
		return err
	})
	require.NoError(t, err)
	return rows
}

func rowDids(rows []d2r.Row) []int64 {
	seen := map[int64]bool{}
	var dids []int64
	for _, r := range rows {
		if !seen[r.Did] {
			seen[r.Did] = true
			dids = append(dids, r.Did)
		}
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
	return dids
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func testDependencyOrderCommit(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)

	snap := b.Snapshot()
	db, ok := snap.Database("d")
	require.True(t, ok)
	assert.Equal(t, fx.db, db)
	col, ok := snap.Collection(db.ID, "c")
	require.True(t, ok)
	assert.Equal(t, db.ID, col.DatabaseID)
	root, ok := snap.DocPart(col.ID, metainf.RootTableRef())
	require.True(t, ok)
	assert.Equal(t, col.ID, root.CollectionID)

	assert.Len(t, snap.Databases(), 1)
	assert.Len(t, snap.Collections(db.ID), 1)
	assert.Len(t, snap.DocParts(col.ID), 2)
	assert.Equal(t, []metainf.Field{fx.name}, snap.Fields(root.ID))
	assert.Equal(t, []metainf.Scalar{fx.tag}, snap.Scalars(fx.tags.ID))

	want := metainf.Description{Databases: []metainf.DatabaseDescription{{
		Name: "d",
		Collections: []metainf.CollectionDescription{{
			Name: "c",
			DocParts: []metainf.DocPartDescription{
				{Path: "$root", Fields: []metainf.FieldDescription{{Name: "name", Type: metainf.FieldTypeString}}, Scalars: []metainf.FieldType{}},
				{Path: "tags", Fields: []metainf.FieldDescription{}, Scalars: []metainf.FieldType{metainf.FieldTypeString}},
			},
		}},
	}}}
	if diff := cmp.Diff(want, metainf.Describe(snap)); diff != "" {
		t.Errorf("published schema mismatch (-want +got):\n%s", diff)
	}
}

func testCollectionNeedsDatabase(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.AddCollection(ctx, metainf.Database{ID: 4242, Name: "ghost"}, "c")
	require.Error(t, err)
	assert.True(t, txn.IsRollback(err), "expected rollback, got %v", err)
	assert.True(t, errors.Is(err, metainf.ErrDatabaseNotFound))
	assert.Equal(t, txn.StateRolledBack, tx.State())

	assert.Empty(t, b.Snapshot().Databases())
}

func testConcreteScenario(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()

	db, err := tx.AddDatabase(ctx, "d")
	require.NoError(t, err)
	col, err := tx.AddCollection(ctx, db, "c")
	require.NoError(t, err)
	root, err := tx.AddDocPart(ctx, db, col, metainf.RootTableRef())
	require.NoError(t, err)

	first, err := tx.ConsumeRids(ctx, db, col, root, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	data := d2r.NewDocPartData(root, nil, nil).
		AppendRoot(0, nil, nil).
		AppendRoot(1, nil, nil).
		AppendRoot(2, nil, nil)
	require.NoError(t, tx.Insert(ctx, db, col, data))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, txn.StateCommitted, tx.State())

	err = backend.View(ctx, b, func(rtx backend.ReadTransaction) error {
		view := rtx.Schema()
		gotDb, ok := view.Database("d")
		require.True(t, ok)
		gotCol, ok := view.Collection(gotDb.ID, "c")
		require.True(t, ok)
		gotRoot, ok := view.DocPart(gotCol.ID, metainf.RootTableRef())
		require.True(t, ok)

		n, err := rtx.CountRows(ctx, gotDb, gotCol, gotRoot)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		rows, err := rtx.ReadRows(ctx, gotDb, gotCol, gotRoot)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, row := range rows {
			assert.Equal(t, int64(i), row.Rid)
			assert.Equal(t, row.Rid, row.Did)
			assert.Equal(t, row.Rid, row.Pid)
			assert.Nil(t, row.Seq)
		}
		return nil
	})
	require.NoError(t, err)
}

func testConsumeRidsDisjoint(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	const workers, calls, size = 8, 5, 7
	type span struct{ first, size int64 }
	var (
		mu    sync.Mutex
		spans []span
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			tx, err := b.OpenWriteTransaction(gctx)
			if err != nil {
				return err
			}
			// reservations survive the rollback done by Close
			defer tx.Close()
			for i := 0; i < calls; i++ {
				first, err := tx.ConsumeRids(gctx, fx.db, fx.col, fx.root, size)
				if err != nil {
					return err
				}
				mu.Lock()
				spans = append(spans, span{first, size})
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(spans, func(i, j int) bool { return spans[i].first < spans[j].first })
	require.Len(t, spans, workers*calls)
	for i := 1; i < len(spans); i++ {
		prev := spans[i-1]
		assert.GreaterOrEqual(t, spans[i].first, prev.first+prev.size, "ranges overlap at %d", spans[i].first)
	}

	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	next, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*calls*size), next)
	again, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	require.NoError(t, err)
	assert.Equal(t, next, again)
}

func testRenameMovesOwnership(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	dids := insertDocs(t, b, fx, "ada", "bob")
	ctx := context.Background()
	before := metainf.DescribeCollection(b.Snapshot(), fx.col)
	rootRows := readRows(t, b, fx.db, fx.col, fx.root)
	tagRows := readRows(t, b, fx.db, fx.col, fx.tags)

	var toDb metainf.Database
	var renamed metainf.Collection
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if toDb, err = tx.AddDatabase(ctx, "e"); err != nil {
			return err
		}
		renamed, err = tx.RenameCollection(ctx, fx.db, fx.col, toDb, "people")
		return err
	})
	require.NoError(t, err)

	snap := b.Snapshot()
	_, ok := snap.Collection(fx.db.ID, "c")
	assert.False(t, ok, "source collection still visible")
	got, ok := snap.Collection(toDb.ID, "people")
	require.True(t, ok)
	assert.Equal(t, renamed, got)

	after := metainf.DescribeCollection(snap, got)
	after.Name = before.Name
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("renamed collection owns different doc parts (-before +after):\n%s", diff)
	}

	root, ok := snap.DocPart(got.ID, metainf.RootTableRef())
	require.True(t, ok)
	tags, ok := snap.DocPart(got.ID, metainf.NewTableRef("tags"))
	require.True(t, ok)
	assert.Equal(t, rootRows, readRows(t, b, toDb, got, root))
	assert.Equal(t, tagRows, readRows(t, b, toDb, got, tags))
	assert.Equal(t, dids, rowDids(readRows(t, b, toDb, got, root)))
}

func testDropAndReplace(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada", "bob", "cy")
	ctx := context.Background()

	// the target collection has a doc part and rows of its own
	var target metainf.Collection
	var targetRoot metainf.DocPart
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if target, err = tx.AddCollection(ctx, fx.db, "t"); err != nil {
			return err
		}
		if targetRoot, err = tx.AddDocPart(ctx, fx.db, target, metainf.RootTableRef()); err != nil {
			return err
		}
		extra, err := tx.AddDocPart(ctx, fx.db, target, metainf.NewTableRef("extra"))
		if err != nil {
			return err
		}
		if _, err := tx.AddField(ctx, fx.db, target, extra, "x", metainf.FieldTypeLong); err != nil {
			return err
		}
		first, err := tx.ConsumeRids(ctx, fx.db, target, targetRoot, 1)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, fx.db, target, d2r.NewDocPartData(targetRoot, nil, nil).AppendRoot(first, nil, nil))
	})
	require.NoError(t, err)

	before := metainf.DescribeCollection(b.Snapshot(), fx.col)
	rootRows := readRows(t, b, fx.db, fx.col, fx.root)

	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		if err := tx.DropCollection(ctx, fx.db, target); err != nil {
			return err
		}
		_, err := tx.RenameCollection(ctx, fx.db, fx.col, fx.db, "t")
		return err
	})
	require.NoError(t, err)

	snap := b.Snapshot()
	got, ok := snap.Collection(fx.db.ID, "t")
	require.True(t, ok)
	assert.Equal(t, fx.col.ID, got.ID)
	_, ok = snap.Collection(fx.db.ID, "c")
	assert.False(t, ok)
	_, ok = snap.CollectionByID(target.ID)
	assert.False(t, ok, "dropped target still visible")

	after := metainf.DescribeCollection(snap, got)
	after.Name = before.Name
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("replacement differs from source (-source +replacement):\n%s", diff)
	}
	root, ok := snap.DocPart(got.ID, metainf.RootTableRef())
	require.True(t, ok)
	assert.Equal(t, rootRows, readRows(t, b, fx.db, got, root))

	// the old target is gone for readers too
	err = backend.View(ctx, b, func(tx backend.ReadTransaction) error {
		_, err := tx.CountRows(ctx, fx.db, target, targetRoot)
		assert.True(t, errors.Is(err, metainf.ErrCollectionNotFound), "got %v", err)
		return nil
	})
	require.NoError(t, err)
}

// insertRoot stages one root row holding values and returns its did.
func insertRoot(ctx context.Context, tx backend.WriteTransaction, db metainf.Database, col metainf.Collection, root metainf.DocPart, fields []metainf.Field, values ...any) (int64, error) {
	did, err := tx.ConsumeRids(ctx, db, col, root, 1)
	if err != nil {
		return 0, err
	}
	return did, tx.Insert(ctx, db, col, d2r.NewDocPartData(root, fields, nil).AppendRoot(did, values, nil))
}

func testWritesThenDrop(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada")
	ctx := context.Background()

	t.Run("collection", func(t *testing.T) {
		err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
			if _, err := insertRoot(ctx, tx, fx.db, fx.col, fx.root, []metainf.Field{fx.name}, "bob"); err != nil {
				return err
			}
			if err := tx.DeleteDids(ctx, fx.db, fx.col, []int64{0}); err != nil {
				return err
			}
			return tx.DropCollection(ctx, fx.db, fx.col)
		})
		require.NoError(t, err)
		_, ok := b.Snapshot().CollectionByID(fx.col.ID)
		assert.False(t, ok)
		_, ok = b.Snapshot().DocPartByID(fx.root.ID)
		assert.False(t, ok)
	})

	t.Run("database with a collection added in the same transaction", func(t *testing.T) {
		err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
			col, err := tx.AddCollection(ctx, fx.db, "fresh")
			if err != nil {
				return err
			}
			root, err := tx.AddDocPart(ctx, fx.db, col, metainf.RootTableRef())
			if err != nil {
				return err
			}
			if _, err := insertRoot(ctx, tx, fx.db, col, root, nil); err != nil {
				return err
			}
			return tx.DropDatabase(ctx, fx.db)
		})
		require.NoError(t, err)
		_, ok := b.Snapshot().Database("d")
		assert.False(t, ok)
	})

	// the name is free again and starts empty
	fresh := newFixture(t, b)
	assert.NotEqual(t, fx.root.ID, fresh.root.ID)
	assert.Empty(t, readRows(t, b, fresh.db, fresh.col, fresh.root))
}

func testReplaceWrittenTarget(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada", "bob")
	ctx := context.Background()

	var target metainf.Collection
	var targetRoot metainf.DocPart
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if target, err = tx.AddCollection(ctx, fx.db, "t"); err != nil {
			return err
		}
		targetRoot, err = tx.AddDocPart(ctx, fx.db, target, metainf.RootTableRef())
		return err
	})
	require.NoError(t, err)
	rootRows := readRows(t, b, fx.db, fx.col, fx.root)

	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		if _, err := insertRoot(ctx, tx, fx.db, target, targetRoot, nil); err != nil {
			return err
		}
		if err := tx.DropCollection(ctx, fx.db, target); err != nil {
			return err
		}
		_, err := tx.RenameCollection(ctx, fx.db, fx.col, fx.db, "t")
		return err
	})
	require.NoError(t, err)

	got, ok := b.Snapshot().Collection(fx.db.ID, "t")
	require.True(t, ok)
	assert.Equal(t, fx.col.ID, got.ID)
	assert.Equal(t, rootRows, readRows(t, b, fx.db, got, fx.root))
}

func testOperationsAfterOwnDrop(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	_, err = tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 3)
	require.NoError(t, err)
	require.NoError(t, tx.DropCollection(ctx, fx.db, fx.col))

	_, err = tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	require.Error(t, err)
	assert.True(t, txn.IsRollback(err), "got %v", err)
	assert.Equal(t, txn.StateRolledBack, tx.State())

	// nothing of the transaction was published
	_, ok := b.Snapshot().CollectionByID(fx.col.ID)
	assert.True(t, ok)

	tx2, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx2.Close()
	require.NoError(t, tx2.DropCollection(ctx, fx.db, fx.col))
	err = tx2.Insert(ctx, fx.db, fx.col, d2r.NewDocPartData(fx.root, nil, nil))
	assert.True(t, txn.IsRollback(err), "got %v", err)
}

func testInsertAfterRename(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada")
	ctx := context.Background()

	// the old identity no longer resolves once renamed
	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	dst, err := tx.AddDatabase(ctx, "e")
	require.NoError(t, err)
	_, err = tx.RenameCollection(ctx, fx.db, fx.col, dst, "people")
	require.NoError(t, err)
	_, err = tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	assert.True(t, txn.IsRollback(err), "got %v", err)
	tx.Close()

	var renamed metainf.Collection
	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if dst, err = tx.AddDatabase(ctx, "e"); err != nil {
			return err
		}
		if renamed, err = tx.RenameCollection(ctx, fx.db, fx.col, dst, "people"); err != nil {
			return err
		}
		_, err = insertRoot(ctx, tx, dst, renamed, fx.root, []metainf.Field{fx.name}, "bob")
		return err
	})
	require.NoError(t, err)

	rows := readRows(t, b, dst, renamed, fx.root)
	require.Len(t, rows, 2)
	assert.Equal(t, "bob", rows[1].Values[fx.name.ID])
}

func testStaleReservationAfterDrop(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	slow, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer slow.Close()
	first, err := slow.ConsumeRids(ctx, fx.db, fx.col, fx.root, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		return tx.DropCollection(ctx, fx.db, fx.col)
	})
	require.NoError(t, err)

	// the slow transaction still sees the doc part but gets no new range
	_, ok := slow.Schema().DocPartByID(fx.root.ID)
	require.True(t, ok)
	_, err = slow.ConsumeRids(ctx, fx.db, fx.col, fx.root, 5)
	require.Error(t, err)
	assert.True(t, txn.IsRollback(err), "got %v", err)
	assert.Equal(t, txn.StateRolledBack, slow.State())
}

func testDeleteDids(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	dids := insertDocs(t, b, fx, "ada", "bob", "cy", "dee")
	ctx := context.Background()

	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		return tx.DeleteDids(ctx, fx.db, fx.col, []int64{dids[1], dids[3], 9999})
	})
	require.NoError(t, err)

	want := []int64{dids[0], dids[2]}
	assert.Equal(t, want, rowDids(readRows(t, b, fx.db, fx.col, fx.root)))
	tags := readRows(t, b, fx.db, fx.col, fx.tags)
	assert.Len(t, tags, 4)
	assert.Equal(t, want, rowDids(tags))

	// deleting nothing, or only unknown dids, is a no-op
	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		if err := tx.DeleteDids(ctx, fx.db, fx.col, nil); err != nil {
			return err
		}
		return tx.DeleteDids(ctx, fx.db, fx.col, []int64{dids[1]})
	})
	require.NoError(t, err)
	assert.Equal(t, want, rowDids(readRows(t, b, fx.db, fx.col, fx.root)))
}

func testRollbackLeavesNoTrace(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada")
	ctx := context.Background()

	version := b.Snapshot().Version()
	schema := metainf.Describe(b.Snapshot())
	rootRows := readRows(t, b, fx.db, fx.col, fx.root)
	tagRows := readRows(t, b, fx.db, fx.col, fx.tags)

	tests := []struct {
		name   string
		finish func(tx backend.WriteTransaction)
	}{
		{"close", func(tx backend.WriteTransaction) { tx.Close() }},
		{"rollback condition", func(tx backend.WriteTransaction) {
			_, err := tx.AddDatabase(ctx, "d")
			require.True(t, txn.IsRollback(err))
		}},
	}
	var reserved int64
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := b.OpenWriteTransaction(ctx)
			require.NoError(t, err)
			defer tx.Close()

			_, err = tx.AddDatabase(ctx, "scratch")
			require.NoError(t, err)
			_, err = tx.AddField(ctx, fx.db, fx.col, fx.root, "age", metainf.FieldTypeInteger)
			require.NoError(t, err)
			require.NoError(t, tx.DeleteDids(ctx, fx.db, fx.col, rowDids(rootRows)))
			first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 2)
			require.NoError(t, err)
			reserved = first + 2
			require.NoError(t, tx.Insert(ctx, fx.db, fx.col,
				d2r.NewDocPartData(fx.root, []metainf.Field{fx.name}, nil).AppendRoot(first, []any{"ghost"}, nil)))

			tt.finish(tx)
			assert.NotEqual(t, txn.StateCommitted, tx.State())
			assert.True(t, tx.State().Terminal())

			assert.Equal(t, version, b.Snapshot().Version())
			if diff := cmp.Diff(schema, metainf.Describe(b.Snapshot())); diff != "" {
				t.Errorf("schema changed by rollback (-before +after):\n%s", diff)
			}
			assert.Equal(t, rootRows, readRows(t, b, fx.db, fx.col, fx.root))
			assert.Equal(t, tagRows, readRows(t, b, fx.db, fx.col, fx.tags))
		})
	}

	// rids reserved by rolled back transactions are retired
	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	next, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	require.NoError(t, err)
	assert.Equal(t, reserved, next)
}

func testConcurrentAddCollection(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	first, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.AddCollection(ctx, fx.db, "shared")
	require.NoError(t, err)
	_, err = second.AddCollection(ctx, fx.db, "shared")
	require.NoError(t, err, "unpublished collections do not conflict yet")

	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	require.Error(t, err)
	assert.True(t, txn.IsRollback(err), "expected rollback, got %v", err)
	assert.Equal(t, txn.StateRolledBack, second.State())

	snap := b.Snapshot()
	names := []string{}
	for _, col := range snap.Collections(fx.db.ID) {
		names = append(names, col.Name)
	}
	assert.ElementsMatch(t, []string{"c", "shared"}, names)
}

func testUserConditionKeepsTransactionOpen(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()

	first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	require.NoError(t, err)

	bad := d2r.NewDocPartData(fx.root, []metainf.Field{fx.name}, nil).
		AppendRoot(first, []any{int64(7)}, nil).
		AppendRoot(first+10, []any{"unreserved"}, nil)
	err = tx.Insert(ctx, fx.db, fx.col, bad)
	require.Error(t, err)
	assert.True(t, txn.IsUser(err), "expected user condition, got %v", err)
	var ve *d2r.ValidationError
	require.True(t, errors.As(err, &ve))
	codes := []string{}
	for _, issue := range ve.Issues {
		codes = append(codes, issue.Code)
	}
	assert.ElementsMatch(t, []string{d2r.CodeTypeMismatch, d2r.CodeRidNotTaken}, codes)
	assert.Equal(t, txn.StateOpen, tx.State())

	good := d2r.NewDocPartData(fx.root, []metainf.Field{fx.name}, nil).AppendRoot(first, []any{"ada"}, nil)
	require.NoError(t, tx.Insert(ctx, fx.db, fx.col, good))

	// the same rid twice in one transaction is a user condition too
	err = tx.Insert(ctx, fx.db, fx.col, good)
	require.Error(t, err)
	assert.True(t, txn.IsUser(err))
	assert.Equal(t, txn.StateOpen, tx.State())

	require.NoError(t, tx.Commit(ctx))
	rows := readRows(t, b, fx.db, fx.col, fx.root)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0].Values[fx.name.ID])
}

func testFinishedTransactionRejectsOperations(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()

	finishers := map[string]func(tx backend.WriteTransaction){
		"committed": func(tx backend.WriteTransaction) { require.NoError(t, tx.Commit(ctx)) },
		"closed":    func(tx backend.WriteTransaction) { tx.Close() },
	}
	for name, finish := range finishers {
		t.Run(name, func(t *testing.T) {
			tx, err := b.OpenWriteTransaction(ctx)
			require.NoError(t, err)
			finish(tx)

			_, err = tx.AddDatabase(ctx, "late")
			assertNotOpen(t, err)
			_, err = tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
			assertNotOpen(t, err)
			err = tx.Commit(ctx)
			assertNotOpen(t, err)
			tx.Close()
		})
	}
	_, ok := b.Snapshot().Database("late")
	assert.False(t, ok)
}

func assertNotOpen(t *testing.T, err error) {
	t.Helper()
	assert.True(t, errors.Is(err, txn.ErrNotOpen), "got %v", err)
	assert.True(t, txn.IsRollback(err), "got %v", err)
}

func testReadIsolation(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada")
	ctx := context.Background()

	rtx, err := b.OpenReadTransaction(ctx)
	require.NoError(t, err)
	defer rtx.Close()
	version := rtx.Schema().Version()

	insertDocs(t, b, fx, "bob", "cy")
	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		_, err := tx.AddCollection(ctx, fx.db, "later")
		return err
	})
	require.NoError(t, err)

	n, err := rtx.CountRows(ctx, fx.db, fx.col, fx.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := rtx.Schema().Collection(fx.db.ID, "later")
	assert.False(t, ok)
	assert.Equal(t, version, rtx.Schema().Version())
	assert.Greater(t, b.Snapshot().Version(), version)

	assert.Len(t, readRows(t, b, fx.db, fx.col, fx.root), 3)
}

func testValueTypes(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()
	samples := Samples()

	fields := make([]metainf.Field, 0, len(samples))
	values := make([]any, 0, len(samples))
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		for _, s := range samples {
			f, err := tx.AddField(ctx, fx.db, fx.col, fx.root, "v_"+string(s.Type), s.Type)
			if err != nil {
				return err
			}
			fields = append(fields, f)
			values = append(values, s.Value)
		}
		first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 2)
		if err != nil {
			return err
		}
		nulls := make([]any, len(fields))
		data := d2r.NewDocPartData(fx.root, fields, nil).
			AppendRoot(first, values, nil).
			AppendRoot(first+1, nulls, nil)
		return tx.Insert(ctx, fx.db, fx.col, data)
	})
	require.NoError(t, err)

	rows := readRows(t, b, fx.db, fx.col, fx.root)
	require.Len(t, rows, 2)
	for i, f := range fields {
		assert.Equal(t, values[i], rows[0].Values[f.ID], "field %s", f.Name)
	}
	assert.Empty(t, rows[1].Values)
}

func testTimePrecision(t *testing.T, b backend.Backend) {
	fx := newFixture(t, b)
	ctx := context.Background()
	at := time.Date(2024, time.May, 6, 7, 8, 9, 123_456_789, time.FixedZone("EAT", 3*3600))
	before := time.Date(1969, time.December, 31, 23, 59, 59, 999_999_999, time.UTC)

	var instant metainf.Field
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if instant, err = tx.AddField(ctx, fx.db, fx.col, fx.root, "at", metainf.FieldTypeInstant); err != nil {
			return err
		}
		first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 2)
		if err != nil {
			return err
		}
		data := d2r.NewDocPartData(fx.root, []metainf.Field{instant}, nil).
			AppendRoot(first, []any{at}, nil).
			AppendRoot(first+1, []any{before}, nil)
		return tx.Insert(ctx, fx.db, fx.col, data)
	})
	require.NoError(t, err)

	rows := readRows(t, b, fx.db, fx.col, fx.root)
	require.Len(t, rows, 2)
	assert.Equal(t, at.Truncate(metainf.TimePrecision).UTC(), rows[0].Values[instant.ID])
	assert.Equal(t, before.Truncate(metainf.TimePrecision), rows[1].Values[instant.ID])
}

func testReopen(t *testing.T, factory Factory) {
	dir := t.TempDir()
	ctx := context.Background()

	b := factory(t, dir)
	fx := newFixture(t, b)
	insertDocs(t, b, fx, "ada", "bob")
	schema := metainf.Describe(b.Snapshot())
	version := b.Snapshot().Version()
	rows := readRows(t, b, fx.db, fx.col, fx.tags)

	// reserve without committing
	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	first, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 5)
	require.NoError(t, err)
	tx.Close()
	require.NoError(t, b.Close())

	b = factory(t, dir)
	defer b.Close()
	assert.Equal(t, version, b.Snapshot().Version())
	if diff := cmp.Diff(schema, metainf.Describe(b.Snapshot())); diff != "" {
		t.Errorf("schema changed across reopen (-before +after):\n%s", diff)
	}
	assert.Equal(t, rows, readRows(t, b, fx.db, fx.col, fx.tags))

	tx, err = b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	next, err := tx.ConsumeRids(ctx, fx.db, fx.col, fx.root, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next, first+5)

	// IDs are not reissued either
	db, err := tx.AddDatabase(ctx, "fresh")
	require.NoError(t, err)
	assert.Greater(t, db.ID, b.Snapshot().MaxID())
}

// Sample is a value of one column type, in the Go type rows are read back
// with.
type Sample struct {
	Type  metainf.FieldType
	Value any
}

// Samples returns one non-null value for every column type. Times are UTC
// and already at metainf.TimePrecision, so they read back unchanged.
func Samples() []Sample {
	at := time.Date(2024, time.May, 6, 7, 8, 9, 123_000_000, time.UTC)
	oid, _ := primitive.ObjectIDFromHex("65f1c0ffee00000000c0ffee")
	return []Sample{
		{metainf.FieldTypeNull, nil},
		{metainf.FieldTypeBoolean, true},
		{metainf.FieldTypeInteger, int32(-42)},
		{metainf.FieldTypeLong, int64(1) << 40},
		{metainf.FieldTypeDouble, 2.5},
		{metainf.FieldTypeString, "tessera"},
		{metainf.FieldTypeBinary, []byte{0x00, 0xff, 0x10}},
		{metainf.FieldTypeDate, at.Truncate(24 * time.Hour)},
		{metainf.FieldTypeInstant, at},
		{metainf.FieldTypeObjectID, oid},
		{metainf.FieldTypeChild, false},
	}
}
