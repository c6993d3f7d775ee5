package backend

import (
	"context"

	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/rid"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WriteOptions wires a write transaction to its backend.
type WriteOptions struct {
	Backend  string
	Snapshot *metainf.Snapshot
	IDs      metainf.IDSource
	Rids     *rid.Allocator
	Store    WriteInteractor
	Bus      *EventBus
	Logger   *zap.Logger
}

type writeTransaction struct {
	scope   *Scope
	backend string
	schema  *metainf.MutableSnapshot
	rids    *rid.Allocator
	store   WriteInteractor
	dropped []metainf.ID
}

var _ WriteTransaction = (*writeTransaction)(nil)

// NewWriteTransaction opens a write transaction staging its schema changes
// on top of opts.Snapshot.
func NewWriteTransaction(opts WriteOptions) WriteTransaction {
	t := &writeTransaction{
		backend: opts.Backend,
		schema:  opts.Snapshot.Mutable(opts.IDs),
		rids:    opts.Rids,
		store:   opts.Store,
	}
	t.scope = NewScope(opts.Backend, opts.Bus, opts.Logger, opts.Store.Abort, opts.Store.Release)
	return t
}

func (t *writeTransaction) ID() string {
	return t.scope.ID()
}

func (t *writeTransaction) State() txn.State {
	return t.scope.State()
}

func (t *writeTransaction) Schema() metainf.View {
	return t.schema
}

// conflict turns a schema rule violation into a rollback condition.
func conflict(err error, msg string) error {
	return txn.WrapRollback(err, msg)
}

func (t *writeTransaction) database(db metainf.Database) (metainf.Database, error) {
	cur, ok := t.schema.DatabaseByID(db.ID)
	if !ok || cur.Name != db.Name {
		return metainf.Database{}, conflict(errors.Wrapf(metainf.ErrDatabaseNotFound, "database %q", db.Name), "resolving database")
	}
	return cur, nil
}

func (t *writeTransaction) collection(db metainf.Database, col metainf.Collection) (metainf.Collection, error) {
	if _, err := t.database(db); err != nil {
		return metainf.Collection{}, err
	}
	cur, ok := t.schema.CollectionByID(col.ID)
	if !ok || cur.DatabaseID != db.ID || cur.Name != col.Name {
		return metainf.Collection{}, conflict(errors.Wrapf(metainf.ErrCollectionNotFound, "collection %q.%q", db.Name, col.Name), "resolving collection")
	}
	return cur, nil
}

func (t *writeTransaction) docPart(db metainf.Database, col metainf.Collection, dp metainf.DocPart) (metainf.DocPart, error) {
	c, err := t.collection(db, col)
	if err != nil {
		return metainf.DocPart{}, err
	}
	cur, ok := t.schema.DocPartByID(dp.ID)
	if !ok || cur.CollectionID != c.ID {
		return metainf.DocPart{}, conflict(errors.Wrapf(metainf.ErrDocPartNotFound, "doc part %s of %q.%q", dp.TableRef, db.Name, col.Name), "resolving doc part")
	}
	return cur, nil
}

// stage hands the last applied change to storage.
func (t *writeTransaction) stage(ctx context.Context, dropped []metainf.DocPart) error {
	changes := t.schema.Changes()
	change := SchemaChange{Change: changes[len(changes)-1], DroppedDocParts: dropped}
	for _, dp := range dropped {
		t.dropped = append(t.dropped, dp.ID)
	}
	return t.store.StageChange(ctx, change)
}

func (t *writeTransaction) AddDatabase(ctx context.Context, name string) (metainf.Database, error) {
	var db metainf.Database
	err := t.scope.Do(ctx, "addDatabase", func() error {
		var err error
		if db, err = t.schema.AddDatabase(name); err != nil {
			return conflict(err, "adding database")
		}
		return t.stage(ctx, nil)
	})
	return db, err
}

func (t *writeTransaction) AddCollection(ctx context.Context, db metainf.Database, name string) (metainf.Collection, error) {
	var col metainf.Collection
	err := t.scope.Do(ctx, "addCollection", func() error {
		if _, err := t.database(db); err != nil {
			return err
		}
		var err error
		if col, err = t.schema.AddCollection(db, name); err != nil {
			return conflict(err, "adding collection")
		}
		return t.stage(ctx, nil)
	})
	return col, err
}

func (t *writeTransaction) DropCollection(ctx context.Context, db metainf.Database, col metainf.Collection) error {
	return t.scope.Do(ctx, "dropCollection", func() error {
		cur, err := t.collection(db, col)
		if err != nil {
			return err
		}
		dropped := t.schema.DocParts(cur.ID)
		if err := t.schema.DropCollection(db, cur); err != nil {
			return conflict(err, "dropping collection")
		}
		return t.stage(ctx, dropped)
	})
}

func (t *writeTransaction) RenameCollection(ctx context.Context, fromDb metainf.Database, fromCol metainf.Collection, toDb metainf.Database, toName string) (metainf.Collection, error) {
	var renamed metainf.Collection
	err := t.scope.Do(ctx, "renameCollection", func() error {
		cur, err := t.collection(fromDb, fromCol)
		if err != nil {
			return err
		}
		if _, err := t.database(toDb); err != nil {
			return err
		}
		if renamed, err = t.schema.RenameCollection(fromDb, cur, toDb, toName); err != nil {
			return conflict(err, "renaming collection")
		}
		return t.stage(ctx, nil)
	})
	return renamed, err
}

func (t *writeTransaction) DropDatabase(ctx context.Context, db metainf.Database) error {
	return t.scope.Do(ctx, "dropDatabase", func() error {
		cur, err := t.database(db)
		if err != nil {
			return err
		}
		var dropped []metainf.DocPart
		for _, col := range t.schema.Collections(cur.ID) {
			dropped = append(dropped, t.schema.DocParts(col.ID)...)
		}
		if err := t.schema.DropDatabase(cur); err != nil {
			return conflict(err, "dropping database")
		}
		return t.stage(ctx, dropped)
	})
}

func (t *writeTransaction) AddDocPart(ctx context.Context, db metainf.Database, col metainf.Collection, ref metainf.TableRef) (metainf.DocPart, error) {
	var dp metainf.DocPart
	err := t.scope.Do(ctx, "addDocPart", func() error {
		cur, err := t.collection(db, col)
		if err != nil {
			return err
		}
		if dp, err = t.schema.AddDocPart(cur, ref); err != nil {
			return conflict(err, "adding doc part")
		}
		return t.stage(ctx, nil)
	})
	return dp, err
}

func (t *writeTransaction) AddField(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, name string, typ metainf.FieldType) (metainf.Field, error) {
	var f metainf.Field
	err := t.scope.Do(ctx, "addField", func() error {
		cur, err := t.docPart(db, col, dp)
		if err != nil {
			return err
		}
		if f, err = t.schema.AddField(cur, name, typ); err != nil {
			return conflict(err, "adding field")
		}
		return t.stage(ctx, nil)
	})
	return f, err
}

func (t *writeTransaction) AddScalar(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, typ metainf.FieldType) (metainf.Scalar, error) {
	var s metainf.Scalar
	err := t.scope.Do(ctx, "addScalar", func() error {
		cur, err := t.docPart(db, col, dp)
		if err != nil {
			return err
		}
		if s, err = t.schema.AddScalar(cur, typ); err != nil {
			return conflict(err, "adding scalar")
		}
		return t.stage(ctx, nil)
	})
	return s, err
}

func (t *writeTransaction) seed(dp metainf.DocPart) rid.SeedFunc {
	return func(ctx context.Context) (int64, error) {
		return t.store.SeedRid(ctx, dp)
	}
}

func (t *writeTransaction) ConsumeRids(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, howMany int) (int64, error) {
	var first int64
	err := t.scope.Do(ctx, "consumeRids", func() error {
		cur, err := t.docPart(db, col, dp)
		if err != nil {
			return err
		}
		if first, err = t.rids.ConsumeRids(ctx, cur.ID, howMany, t.seed(cur)); err != nil {
			return err
		}
		if howMany > 0 {
			countRids(t.backend, howMany)
		}
		return nil
	})
	return first, err
}

func (t *writeTransaction) Insert(ctx context.Context, db metainf.Database, col metainf.Collection, data *d2r.DocPartData) error {
	return t.scope.Do(ctx, "insert", func() error {
		cur, err := t.collection(db, col)
		if err != nil {
			return err
		}
		if data == nil {
			return txn.Rollbackf("insert into %q.%q without data", db.Name, col.Name)
		}
		dp, err := t.docPart(db, cur, data.DocPart)
		if err != nil {
			return err
		}
		watermark, err := t.rids.ConsumeRids(ctx, dp.ID, 0, t.seed(dp))
		if err != nil {
			return err
		}
		if err := d2r.NewValidator(t.schema).Validate(cur, data, watermark); err != nil {
			return err
		}
		if len(data.Rows) == 0 {
			return nil
		}
		return t.store.InsertRows(ctx, cur, data)
	})
}

func (t *writeTransaction) DeleteDids(ctx context.Context, db metainf.Database, col metainf.Collection, dids []int64) error {
	return t.scope.Do(ctx, "deleteDids", func() error {
		cur, err := t.collection(db, col)
		if err != nil {
			return err
		}
		if len(dids) == 0 {
			return nil
		}
		return t.store.DeleteDids(ctx, cur, t.schema.DocParts(cur.ID), dids)
	})
}

func (t *writeTransaction) Commit(ctx context.Context) error {
	err := t.scope.Commit(ctx, func() error {
		return t.store.Commit(ctx, t.schema)
	})
	if err == nil {
		for _, id := range t.dropped {
			t.rids.Retire(id)
		}
	}
	return err
}

func (t *writeTransaction) Close() {
	t.scope.Close()
}

// ReadOptions wires a read transaction to its backend.
type ReadOptions struct {
	Backend  string
	Snapshot *metainf.Snapshot
	Store    ReadInteractor
	Logger   *zap.Logger
}

type readTransaction struct {
	id       string
	life     *txn.Lifecycle
	snapshot *metainf.Snapshot
	store    ReadInteractor
	logger   *zap.Logger
}

var _ ReadTransaction = (*readTransaction)(nil)

// NewReadTransaction opens a read transaction over a published snapshot.
func NewReadTransaction(opts ReadOptions) ReadTransaction {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &readTransaction{
		id:       id,
		life:     txn.NewLifecycle(),
		snapshot: opts.Snapshot,
		store:    opts.Store,
		logger:   logger.With(zap.String("txn", id), zap.String("backend", opts.Backend)),
	}
}

func (r *readTransaction) ID() string {
	return r.id
}

func (r *readTransaction) Schema() metainf.View {
	return r.snapshot
}

func (r *readTransaction) resolve(db metainf.Database, col metainf.Collection, dp metainf.DocPart) (metainf.DocPart, error) {
	if err := r.life.Check(); err != nil {
		return metainf.DocPart{}, err
	}
	if cur, ok := r.snapshot.DatabaseByID(db.ID); !ok || cur.Name != db.Name {
		return metainf.DocPart{}, errors.Wrapf(metainf.ErrDatabaseNotFound, "database %q", db.Name)
	}
	if cur, ok := r.snapshot.CollectionByID(col.ID); !ok || cur.DatabaseID != db.ID || cur.Name != col.Name {
		return metainf.DocPart{}, errors.Wrapf(metainf.ErrCollectionNotFound, "collection %q.%q", db.Name, col.Name)
	}
	cur, ok := r.snapshot.DocPartByID(dp.ID)
	if !ok || cur.CollectionID != col.ID {
		return metainf.DocPart{}, errors.Wrapf(metainf.ErrDocPartNotFound, "doc part %s of %q.%q", dp.TableRef, db.Name, col.Name)
	}
	return cur, nil
}

func (r *readTransaction) ReadRows(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart) ([]d2r.Row, error) {
	cur, err := r.resolve(db, col, dp)
	if err != nil {
		return nil, err
	}
	return r.store.ReadRows(ctx, cur)
}

func (r *readTransaction) CountRows(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart) (int, error) {
	cur, err := r.resolve(db, col, dp)
	if err != nil {
		return 0, err
	}
	return r.store.CountRows(ctx, cur)
}

func (r *readTransaction) Close() {
	if _, first := r.life.Close(); !first {
		return
	}
	if err := r.store.Release(); err != nil {
		r.logger.Warn("Releasing read transaction failed", zap.Error(err))
	}
}
