package backend

import (
	"context"

	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
)

// SchemaChange is a staged change handed to the storage engine, together
// with the doc parts a drop removes.
type SchemaChange struct {
	metainf.Change
	DroppedDocParts []metainf.DocPart
}

// WriteInteractor is the engine-specific half of a write transaction. Calls
// happen in the order the transaction issues them, never concurrently.
// Every error it returns, except those documented otherwise, rolls the
// transaction back.
type WriteInteractor interface {
	// StageChange realizes a change already applied to the staged schema,
	// e.g. by creating the table of a new doc part.
	StageChange(ctx context.Context, change SchemaChange) error

	// SeedRid returns the first rid never used in dp, as known to storage.
	SeedRid(ctx context.Context, dp metainf.DocPart) (int64, error)

	// InsertRows stores an already validated batch. A rid already present
	// in storage is reported as a user condition, e.g. through
	// d2r.NewValidationError, with no row of the batch stored.
	InsertRows(ctx context.Context, col metainf.Collection, data *d2r.DocPartData) error

	// DeleteDids removes the rows of docParts whose did is listed.
	DeleteDids(ctx context.Context, col metainf.Collection, docParts []metainf.DocPart, dids []int64) error

	// Commit publishes staged atomically. A user condition reports
	// committed data violating a constraint.
	Commit(ctx context.Context, staged *metainf.MutableSnapshot) error

	// Abort discards everything staged. Called at most once, and only if
	// Commit did not succeed.
	Abort()

	// Release frees the resources held by the transaction. Called exactly
	// once, after Commit or Abort.
	Release() error
}

// ReadInteractor is the engine-specific half of a read transaction.
type ReadInteractor interface {
	ReadRows(ctx context.Context, dp metainf.DocPart) ([]d2r.Row, error)
	CountRows(ctx context.Context, dp metainf.DocPart) (int, error)
	Release() error
}
