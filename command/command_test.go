package command

import (
	"context"
	"testing"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/asaidimu/go-tessera/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newExecutor(t *testing.T) (*Executor, *memory.Backend) {
	t.Helper()
	b, err := memory.Open(memory.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return NewExecutor(b, zaptest.NewLogger(t)), b
}

func mustExecute(t *testing.T, e *Executor, cmd Command) {
	t.Helper()
	status := e.Execute(context.Background(), cmd)
	require.True(t, status.OK(), "%s: %s", cmd.Name(), status)
}

func collection(t *testing.T, b backend.Backend, dbName, colName string) (metainf.Database, metainf.Collection, bool) {
	t.Helper()
	snap := b.Snapshot()
	db, ok := snap.Database(dbName)
	if !ok {
		return db, metainf.Collection{}, false
	}
	col, ok := snap.Collection(db.ID, colName)
	return db, col, ok
}

// insertRoot writes one root row into dbName.colName and returns its did.
func insertRoot(t *testing.T, b backend.Backend, dbName, colName string) int64 {
	t.Helper()
	ctx := context.Background()
	var did int64
	err := backend.Transact(ctx, b, func(tx backend.WriteTransaction) error {
		db, _ := tx.Schema().Database(dbName)
		col, _ := tx.Schema().Collection(db.ID, colName)
		root, _ := tx.Schema().DocPart(col.ID, metainf.RootTableRef())
		var err error
		if did, err = tx.ConsumeRids(ctx, db, col, root, 1); err != nil {
			return err
		}
		return tx.Insert(ctx, db, col, d2r.NewDocPartData(root, nil, nil).AppendRoot(did, nil, nil))
	})
	require.NoError(t, err)
	return did
}

func countRoot(t *testing.T, b backend.Backend, dbName, colName string) int {
	t.Helper()
	ctx := context.Background()
	var n int
	err := backend.View(ctx, b, func(tx backend.ReadTransaction) error {
		db, _ := tx.Schema().Database(dbName)
		col, _ := tx.Schema().Collection(db.ID, colName)
		root, _ := tx.Schema().DocPart(col.ID, metainf.RootTableRef())
		var err error
		n, err = tx.CountRows(ctx, db, col, root)
		return err
	})
	require.NoError(t, err)
	return n
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"nil", nil, OK},
		{"user", txn.Userf("bad document"), CommandFailed},
		{"rollback", txn.Rollbackf("lost the race"), InternalError},
		{"unclassified", errors.New("boom"), InternalError},
		{"not found", userErrorf(ErrNamespaceNotFound, "x.y"), NamespaceNotFound},
		{"exists", userErrorf(ErrNamespaceExists, "x.y"), NamespaceExists},
		{"illegal", userErrorf(ErrIllegalOperation, "x.y"), IllegalOperation},
		{"invalid rows", d2r.NewValidationError(metainf.DocPart{TableRef: metainf.RootTableRef()}, d2r.Issue{Code: d2r.CodeTypeMismatch, Message: "bad"}), CommandFailed},
		{"unmarked sentinel", errors.Wrap(ErrNamespaceExists, "x.y"), InternalError},
		{"rolled back namespace", txn.WrapRollback(metainf.ErrCollectionNotFound, "resolving"), InternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := FromError(tt.err)
			assert.Equal(t, tt.code, status.Code)
			if tt.err != nil {
				assert.Contains(t, status.Message, tt.err.Error())
			} else {
				assert.Empty(t, status.Message)
			}
		})
	}
	assert.Equal(t, "NamespaceExists", NamespaceExists.String())
	assert.Equal(t, "Code(7)", Code(7).String())
}

func TestCommandErrorsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNamespaceNotFound, ErrNamespaceExists, ErrIllegalOperation}
	for i, sentinel := range sentinels {
		err := userErrorf(sentinel, "ns")
		assert.True(t, txn.IsUser(err))
		for j, other := range sentinels {
			assert.Equal(t, i == j, errors.Is(err, other), "%v against %v", err, other)
		}
		assert.False(t, errors.Is(txn.Userf("bad document"), sentinel))
	}
}

func TestCreateCollection(t *testing.T) {
	e, b := newExecutor(t)
	mustExecute(t, e, CreateCollection{Database: "app", Collection: "people"})

	_, col, ok := collection(t, b, "app", "people")
	require.True(t, ok)
	_, ok = b.Snapshot().DocPart(col.ID, metainf.RootTableRef())
	assert.True(t, ok, "root doc part created")

	status := e.Execute(context.Background(), CreateCollection{Database: "app", Collection: "people"})
	assert.Equal(t, NamespaceExists, status.Code)

	// a second collection reuses the database
	mustExecute(t, e, CreateCollection{Database: "app", Collection: "pets"})
	assert.Len(t, b.Snapshot().Databases(), 1)
}

func TestRenameCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("missing source", func(t *testing.T) {
		e, _ := newExecutor(t)
		status := e.Execute(ctx, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "a", ToCollection: "y"})
		assert.Equal(t, NamespaceNotFound, status.Code)
		mustExecute(t, e, CreateCollection{Database: "a", Collection: "z"})
		status = e.Execute(ctx, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "a", ToCollection: "y"})
		assert.Equal(t, NamespaceNotFound, status.Code)
	})

	t.Run("same namespace", func(t *testing.T) {
		e, _ := newExecutor(t)
		mustExecute(t, e, CreateCollection{Database: "a", Collection: "x"})
		status := e.Execute(ctx, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "a", ToCollection: "x"})
		assert.Equal(t, IllegalOperation, status.Code)
	})

	t.Run("across databases", func(t *testing.T) {
		e, b := newExecutor(t)
		mustExecute(t, e, CreateCollection{Database: "a", Collection: "x"})
		_, before, _ := collection(t, b, "a", "x")
		insertRoot(t, b, "a", "x")

		mustExecute(t, e, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "b", ToCollection: "y"})

		_, _, ok := collection(t, b, "a", "x")
		assert.False(t, ok)
		_, after, ok := collection(t, b, "b", "y")
		require.True(t, ok, "destination database created")
		assert.Equal(t, before.ID, after.ID)
		assert.Equal(t, 1, countRoot(t, b, "b", "y"))
	})

	t.Run("existing target", func(t *testing.T) {
		e, b := newExecutor(t)
		mustExecute(t, e, CreateCollection{Database: "a", Collection: "x"})
		mustExecute(t, e, CreateCollection{Database: "a", Collection: "y"})
		insertRoot(t, b, "a", "x")
		insertRoot(t, b, "a", "y")
		insertRoot(t, b, "a", "y")

		status := e.Execute(ctx, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "a", ToCollection: "y"})
		assert.Equal(t, NamespaceExists, status.Code)
		_, _, ok := collection(t, b, "a", "x")
		assert.True(t, ok, "failed rename leaves the source in place")

		mustExecute(t, e, RenameCollection{FromDatabase: "a", FromCollection: "x", ToDatabase: "a", ToCollection: "y", DropTarget: true})
		_, _, ok = collection(t, b, "a", "x")
		assert.False(t, ok)
		assert.Equal(t, 1, countRoot(t, b, "a", "y"), "target rows dropped with it")
	})
}

func TestDropCommands(t *testing.T) {
	ctx := context.Background()
	e, b := newExecutor(t)

	assert.Equal(t, NamespaceNotFound, e.Execute(ctx, DropCollection{Database: "a", Collection: "x"}).Code)
	assert.Equal(t, NamespaceNotFound, e.Execute(ctx, DropDatabase{Database: "a"}).Code)

	mustExecute(t, e, CreateCollection{Database: "a", Collection: "x"})
	mustExecute(t, e, CreateCollection{Database: "a", Collection: "y"})
	assert.Equal(t, NamespaceNotFound, e.Execute(ctx, DropCollection{Database: "a", Collection: "z"}).Code)

	mustExecute(t, e, DropCollection{Database: "a", Collection: "x"})
	_, _, ok := collection(t, b, "a", "x")
	assert.False(t, ok)

	mustExecute(t, e, DropDatabase{Database: "a"})
	_, ok = b.Snapshot().Database("a")
	assert.False(t, ok)
	assert.Empty(t, b.Snapshot().Databases())
}

type recordingCommand struct {
	err error
	tx  backend.WriteTransaction
}

func (c *recordingCommand) Name() string { return "recording" }

func (c *recordingCommand) Apply(ctx context.Context, tx backend.WriteTransaction) error {
	c.tx = tx
	if _, err := tx.AddDatabase(ctx, "scratch"); err != nil {
		return err
	}
	return c.err
}

func TestExecuteAlwaysCloses(t *testing.T) {
	ctx := context.Background()
	e, b := newExecutor(t)

	for _, tt := range []struct {
		name string
		err  error
		code Code
	}{
		{"user", txn.Userf("rejected"), CommandFailed},
		{"rollback", txn.Rollbackf("conflict"), InternalError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &recordingCommand{err: tt.err}
			status := e.Execute(ctx, cmd)
			assert.Equal(t, tt.code, status.Code)
			require.NotNil(t, cmd.tx)
			assert.True(t, cmd.tx.State().Terminal())
			_, ok := b.Snapshot().Database("scratch")
			assert.False(t, ok, "failed command leaves no trace")
		})
	}

	cmd := &recordingCommand{}
	mustExecute(t, e, cmd)
	assert.Equal(t, txn.StateClosed, cmd.tx.State())
	_, ok := b.Snapshot().Database("scratch")
	assert.True(t, ok)
}

func TestExecuteOnClosedBackend(t *testing.T) {
	e, b := newExecutor(t)
	require.NoError(t, b.Close())
	status := e.Execute(context.Background(), CreateCollection{Database: "a", Collection: "x"})
	assert.Equal(t, InternalError, status.Code)
}
