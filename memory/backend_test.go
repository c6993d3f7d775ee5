package memory

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/backend/backendtest"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryBackend(t *testing.T) {
	backendtest.RunBackendTests(t, "memory", func(t *testing.T, dir string) backend.Backend {
		b, err := Open(Options{Path: filepath.Join(dir, "tessera.bson"), Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		return b
	})
}

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	b, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type people struct {
	db   metainf.Database
	col  metainf.Collection
	root metainf.DocPart
	name metainf.Field
}

func seedPeople(t *testing.T, b backend.Backend, names ...string) people {
	t.Helper()
	ctx := context.Background()
	var p people
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if p.db, err = tx.AddDatabase(ctx, "app"); err != nil {
			return err
		}
		if p.col, err = tx.AddCollection(ctx, p.db, "people"); err != nil {
			return err
		}
		if p.root, err = tx.AddDocPart(ctx, p.db, p.col, metainf.RootTableRef()); err != nil {
			return err
		}
		if p.name, err = tx.AddField(ctx, p.db, p.col, p.root, "name", metainf.FieldTypeString); err != nil {
			return err
		}
		first, err := tx.ConsumeRids(ctx, p.db, p.col, p.root, len(names))
		if err != nil {
			return err
		}
		data := d2r.NewDocPartData(p.root, []metainf.Field{p.name}, nil)
		for i, name := range names {
			data.AppendRoot(first+int64(i), []any{name}, nil)
		}
		return tx.Insert(ctx, p.db, p.col, data)
	})
	require.NoError(t, err)
	return p
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := newBackend(t, Options{})
	p := seedPeople(t, src, "ada", "bob")

	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))

	dst := newBackend(t, Options{})
	require.NoError(t, dst.Load(&buf))

	if diff := cmp.Diff(metainf.Describe(src.Snapshot()), metainf.Describe(dst.Snapshot())); diff != "" {
		t.Fatalf("schema differs after load (-saved +loaded):\n%s", diff)
	}
	assert.Equal(t, src.Snapshot().Version(), dst.Snapshot().Version())
	assert.Equal(t, src.Snapshot().Entries(), dst.Snapshot().Entries())

	var rows []d2r.Row
	err := backend.View(context.Background(), dst, func(tx backend.ReadTransaction) error {
		var err error
		rows, err = tx.ReadRows(context.Background(), p.db, p.col, p.root)
		return err
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ada", rows[0].Values[p.name.ID])
	assert.Equal(t, "bob", rows[1].Values[p.name.ID])
}

func TestLoadRejectsGarbage(t *testing.T) {
	b := newBackend(t, Options{})
	err := b.Load(strings.NewReader("not bson"))
	assert.Error(t, err)
	assert.Empty(t, b.Snapshot().Databases())
}

func TestSyncOnCommitWritesDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bson")
	b := newBackend(t, Options{Path: path, SyncOnCommit: true})

	_, err := os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist))

	seedPeople(t, b, "ada")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	reopened, err := Open(Options{Path: path, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()
	_, ok := reopened.Snapshot().Database("app")
	assert.True(t, ok)
}

func TestClosedBackendRejectsTransactions(t *testing.T) {
	b := newBackend(t, Options{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.OpenWriteTransaction(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = b.OpenReadTransaction(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCommitAfterCloseRollsBack(t *testing.T) {
	b := newBackend(t, Options{})
	ctx := context.Background()

	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	_, err = tx.AddDatabase(ctx, "late")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, txn.IsRollback(err))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestConcurrentCommitsAllLand(t *testing.T) {
	b := newBackend(t, Options{})
	p := seedPeople(t, b)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
				first, err := tx.ConsumeRids(ctx, p.db, p.col, p.root, 3)
				if err != nil {
					return err
				}
				data := d2r.NewDocPartData(p.root, []metainf.Field{p.name}, nil)
				for j := int64(0); j < 3; j++ {
					data.AppendRoot(first+j, []any{"w"}, nil)
				}
				return tx.Insert(ctx, p.db, p.col, data)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	err := backend.View(ctx, b, func(tx backend.ReadTransaction) error {
		n, err := tx.CountRows(ctx, p.db, p.col, p.root)
		require.NoError(t, err)
		assert.Equal(t, writers*3, n)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteCoversDocPartsAddedConcurrently(t *testing.T) {
	b := newBackend(t, Options{})
	p := seedPeople(t, b, "ada")
	ctx := context.Background()

	deleter, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	defer deleter.Close()
	require.NoError(t, deleter.DeleteDids(ctx, p.db, p.col, []int64{0}))

	var tags metainf.DocPart
	err = backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		var err error
		if tags, err = tx.AddDocPart(ctx, p.db, p.col, metainf.NewTableRef("tags")); err != nil {
			return err
		}
		rid, err := tx.ConsumeRids(ctx, p.db, p.col, tags, 1)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, p.db, p.col, d2r.NewDocPartData(tags, nil, nil).AppendChild(0, rid, 0, d2r.Seq(0), nil, nil))
	})
	require.NoError(t, err)

	require.NoError(t, deleter.Commit(ctx))
	err = backend.View(ctx, b, func(tx backend.ReadTransaction) error {
		for _, dp := range []metainf.DocPart{p.root, tags} {
			n, err := tx.CountRows(ctx, p.db, p.col, dp)
			require.NoError(t, err)
			assert.Zero(t, n, "doc part %s", dp.TableRef)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEventsAndMetrics(t *testing.T) {
	b := newBackend(t, Options{})
	p := seedPeople(t, b)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[backend.EventType][]backend.Event{}
	record := func(_ context.Context, e backend.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Type] = append(seen[e.Type], e)
		return nil
	}
	for _, et := range []backend.EventType{backend.OperationFailed, backend.CommitSuccess, backend.TransactionRollback, backend.TransactionClose} {
		unsubscribe := b.Subscribe(et, record)
		defer unsubscribe()
	}
	committed := backend.TransactionCount(Name, backend.OutcomeCommitted)
	rolledBack := backend.TransactionCount(Name, backend.OutcomeRolledBack)

	tx, err := b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	err = tx.Insert(ctx, p.db, p.col, d2r.NewDocPartData(p.root, nil, nil).AppendRoot(99, nil, nil))
	require.True(t, txn.IsUser(err))
	require.NoError(t, tx.Commit(ctx))
	tx.Close()

	tx, err = b.OpenWriteTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.AddDatabase(ctx, "app")
	require.True(t, txn.IsRollback(err))
	tx.Close()

	count := func(et backend.EventType) int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[et])
	}
	assert.Eventually(t, func() bool {
		return count(backend.OperationFailed) == 2 &&
			count(backend.CommitSuccess) == 1 &&
			count(backend.TransactionRollback) == 1 &&
			count(backend.TransactionClose) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	var userFailure *backend.Event
	for i, e := range seen[backend.OperationFailed] {
		if e.Kind == txn.KindUser {
			userFailure = &seen[backend.OperationFailed][i]
		}
	}
	mu.Unlock()
	require.NotNil(t, userFailure)
	assert.Equal(t, "insert", userFailure.Operation)
	require.Len(t, userFailure.Issues, 1)
	assert.Equal(t, d2r.CodeRidNotTaken, userFailure.Issues[0].Code)

	assert.Equal(t, committed+1, backend.TransactionCount(Name, backend.OutcomeCommitted))
	assert.Equal(t, rolledBack+1, backend.TransactionCount(Name, backend.OutcomeRolledBack))

	var out bytes.Buffer
	backend.WritePrometheus(&out)
	assert.Contains(t, out.String(), `tessera_transactions_total{backend="memory",outcome="committed"}`)
}
