// Package backend defines the transactional contract every storage engine
// honors, and the engine-independent machinery implementing it.
//
// A backend supplies a WriteInteractor per write transaction and a
// ReadInteractor per read transaction. NewWriteTransaction and
// NewReadTransaction wrap them with the schema staging, rid allocation,
// validation and lifecycle rules shared by every backend.
package backend

import (
	"context"

	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
)

// Backend is a storage engine holding one published schema and its rows.
type Backend interface {
	// Name identifies the engine in logs, events and metrics.
	Name() string
	OpenWriteTransaction(ctx context.Context) (WriteTransaction, error)
	OpenReadTransaction(ctx context.Context) (ReadTransaction, error)
	// Snapshot returns the latest published schema.
	Snapshot() *metainf.Snapshot
	Subscribe(event EventType, cb EventCallback) (unsubscribe func())
	Close() error
}

// WriteTransaction bundles schema evolution and data mutation into one
// atomic unit of work. Every failure is either a rollback condition, which
// has already rolled the transaction back, or a user condition, which
// leaves it open. Use txn.KindOf to tell them apart.
type WriteTransaction interface {
	ID() string
	State() txn.State
	// Schema is the transaction's view: the published schema plus the
	// changes staged so far.
	Schema() metainf.View

	AddDatabase(ctx context.Context, name string) (metainf.Database, error)
	AddCollection(ctx context.Context, db metainf.Database, name string) (metainf.Collection, error)
	DropCollection(ctx context.Context, db metainf.Database, col metainf.Collection) error
	RenameCollection(ctx context.Context, fromDb metainf.Database, fromCol metainf.Collection, toDb metainf.Database, toName string) (metainf.Collection, error)
	DropDatabase(ctx context.Context, db metainf.Database) error
	AddDocPart(ctx context.Context, db metainf.Database, col metainf.Collection, ref metainf.TableRef) (metainf.DocPart, error)
	AddField(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, name string, typ metainf.FieldType) (metainf.Field, error)
	AddScalar(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, typ metainf.FieldType) (metainf.Scalar, error)

	// ConsumeRids reserves howMany rids of dp and returns the first one.
	// Reserved rids are never handed out again, even if the transaction
	// rolls back.
	ConsumeRids(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart, howMany int) (int64, error)
	Insert(ctx context.Context, db metainf.Database, col metainf.Collection, data *d2r.DocPartData) error
	// DeleteDids removes every row of col, in every doc part, whose did is
	// listed. Unknown dids are ignored.
	DeleteDids(ctx context.Context, db metainf.Database, col metainf.Collection, dids []int64) error

	Commit(ctx context.Context) error
	// Close releases the transaction, rolling it back if still open. It is
	// idempotent and never fails.
	Close()
}

// ReadTransaction reads one published snapshot and the rows committed with
// it.
type ReadTransaction interface {
	ID() string
	Schema() metainf.View
	// ReadRows returns the rows of dp ordered by rid.
	ReadRows(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart) ([]d2r.Row, error)
	CountRows(ctx context.Context, db metainf.Database, col metainf.Collection, dp metainf.DocPart) (int, error)
	Close()
}

// Transact runs fn inside a write transaction. The transaction commits if
// fn succeeds and is always closed.
func Transact(ctx context.Context, b Backend, fn func(tx WriteTransaction) error) error {
	tx, err := b.OpenWriteTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn inside a read transaction.
func View(ctx context.Context, b Backend, fn func(tx ReadTransaction) error) error {
	tx, err := b.OpenReadTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}
