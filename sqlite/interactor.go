package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// dbRunner is an interface that abstracts the common methods of *sql.DB and *sql.Tx,
// allowing for the same code to be used for both transactional and non-transactional
// database operations.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
)

// rowOp is a row mutation replayed inside the commit transaction.
type rowOp struct {
	kind       opKind
	insert     insertBatch
	collection metainf.ID
	dids       []int64
}

// writeInteractor stages a write transaction. Nothing reaches the database
// before Commit, which runs the whole transaction as one SQLite transaction
// while holding the backend's publish lock.
type writeInteractor struct {
	b      *Backend
	logger *zap.Logger
	ops    []rowOp
	// staged maps the rids inserted so far to their did, per doc part.
	staged map[metainf.ID]map[int64]int64
}

var _ backend.WriteInteractor = (*writeInteractor)(nil)

func (w *writeInteractor) StageChange(_ context.Context, change backend.SchemaChange) error {
	if len(change.DroppedDocParts) == 0 {
		return nil
	}
	dropped := make(map[metainf.ID]bool, len(change.DroppedDocParts))
	for _, dp := range change.DroppedDocParts {
		delete(w.staged, dp.ID)
		dropped[dp.ID] = true
	}
	// rows staged for a dropped doc part leave with its table
	kept := w.ops[:0]
	for _, op := range w.ops {
		if op.kind == opInsert && dropped[op.insert.docPart.ID] {
			continue
		}
		kept = append(kept, op)
	}
	w.ops = kept
	return nil
}

// SeedRid returns the first rid never used by dp: past both the stored
// watermark and the largest rid in its table.
func (w *writeInteractor) SeedRid(ctx context.Context, dp metainf.DocPart) (int64, error) {
	var next int64
	err := w.b.reader.QueryRowContext(ctx,
		fmt.Sprintf("SELECT next_rid FROM %s WHERE doc_part_id = ?;", w.b.mapper.table(watermarksTable)),
		int64(dp.ID)).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, txn.WrapRollback(err, "reading rid watermark")
	}
	if _, ok := w.b.Snapshot().DocPartByID(dp.ID); !ok {
		// staged by this transaction, no table yet
		return next, nil
	}
	var fromRows int64
	err = w.b.reader.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(rid) + 1, 0) FROM %s;", quoteIdentifier(w.b.mapper.docPartTable(dp.ID)))).Scan(&fromRows)
	if err != nil {
		return 0, txn.WrapRollback(err, "reading largest rid")
	}
	return max(next, fromRows), nil
}

func (w *writeInteractor) InsertRows(ctx context.Context, _ metainf.Collection, data *d2r.DocPartData) error {
	dp := data.DocPart
	staged := w.staged[dp.ID]
	if staged == nil {
		staged = map[int64]int64{}
		w.staged[dp.ID] = staged
	}

	taken, err := w.committedRids(ctx, dp, data)
	if err != nil {
		return err
	}
	var issues []d2r.Issue
	for i, row := range data.Rows {
		_, dup := staged[row.Rid]
		if dup || taken[row.Rid] {
			issues = append(issues, d2r.DuplicateRidIssue(i, row.Rid))
		}
	}
	if len(issues) > 0 {
		return d2r.NewValidationError(dp, issues...)
	}

	batch, err := w.b.mapper.GenerateInsertSQL(data)
	if err != nil {
		return txn.WrapRollback(err, "encoding rows")
	}
	for _, row := range data.Rows {
		staged[row.Rid] = row.Did
	}
	w.ops = append(w.ops, rowOp{kind: opInsert, insert: batch})
	w.logger.Debug("Staged rows", zap.Stringer("docPart", dp.TableRef), zap.Int("rows", len(data.Rows)))
	return nil
}

// committedRids returns which rids of data are already stored, ignoring rows
// of documents this transaction deleted.
func (w *writeInteractor) committedRids(ctx context.Context, dp metainf.DocPart, data *d2r.DocPartData) (map[int64]bool, error) {
	taken := map[int64]bool{}
	if _, ok := w.b.Snapshot().DocPartByID(dp.ID); !ok || len(data.Rows) == 0 {
		return taken, nil
	}
	deleted := w.deletedDids(dp.CollectionID)

	for start := 0; start < len(data.Rows); start += maxBindVars {
		end := min(start+maxBindVars, len(data.Rows))
		args := make([]any, 0, end-start)
		for _, row := range data.Rows[start:end] {
			args = append(args, row.Rid)
		}
		query := fmt.Sprintf("SELECT rid, did FROM %s WHERE rid IN (%s);",
			quoteIdentifier(w.b.mapper.docPartTable(dp.ID)), strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
		err := queryEach(ctx, w.b.reader, query, func(scan func(...any) error) error {
			var rid, did int64
			if err := scan(&rid, &did); err != nil {
				return err
			}
			if !deleted[did] {
				taken[rid] = true
			}
			return nil
		}, args...)
		if err != nil {
			return nil, txn.WrapRollback(err, "checking stored rids")
		}
	}
	return taken, nil
}

func (w *writeInteractor) deletedDids(col metainf.ID) map[int64]bool {
	deleted := map[int64]bool{}
	for _, op := range w.ops {
		if op.kind == opDelete && op.collection == col {
			for _, did := range op.dids {
				deleted[did] = true
			}
		}
	}
	return deleted
}

func (w *writeInteractor) DeleteDids(_ context.Context, col metainf.Collection, docParts []metainf.DocPart, dids []int64) error {
	set := make(map[int64]bool, len(dids))
	for _, did := range dids {
		set[did] = true
	}
	for _, dp := range docParts {
		for rid, did := range w.staged[dp.ID] {
			if set[did] {
				delete(w.staged[dp.ID], rid)
			}
		}
	}
	w.ops = append(w.ops, rowOp{kind: opDelete, collection: col.ID, dids: append([]int64(nil), dids...)})
	return nil
}

// Commit replays the transaction against the latest committed schema inside
// one SQLite transaction, then publishes the merged schema.
func (w *writeInteractor) Commit(ctx context.Context, staged *metainf.MutableSnapshot) (err error) {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return txn.WrapRollback(ErrClosed, "commit")
	}
	latest := b.schema

	tx, err := b.writer.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				w.logger.Warn("Rolling back SQLite transaction failed", zap.Error(rbErr))
			}
		}
	}()

	schema := latest
	if staged.Dirty() {
		var ddlErr error
		schema, err = metainf.Replay(latest, staged.Changes(), func(view metainf.View, ch metainf.Change) error {
			stmts, err := b.mapper.ChangeSQL(view, ch)
			if err == nil {
				err = exec(ctx, tx, stmts)
			}
			ddlErr = err
			return err
		})
		if err != nil {
			// metadata constraints only trip over concurrent changes
			if ddlErr != nil {
				return txn.WrapRollback(ddlErr, "applying schema change")
			}
			return txn.WrapRollback(err, "concurrent schema change")
		}
	}

	for _, op := range w.ops {
		switch op.kind {
		case opInsert:
			if _, ok := schema.DocPartByID(op.insert.docPart.ID); !ok {
				return txn.Rollbackf("doc part %s was dropped concurrently", op.insert.docPart.TableRef)
			}
			if err := op.insert.run(ctx, tx); err != nil {
				return classify(err, "inserting rows")
			}
		case opDelete:
			// doc parts added to the collection since are covered too
			for _, dp := range schema.DocParts(op.collection) {
				if err := exec(ctx, tx, b.mapper.GenerateDeleteSQL(dp.ID, op.dids)); err != nil {
					return classify(err, "deleting rows")
				}
			}
		}
	}

	if err := exec(ctx, tx, b.watermarkSQL(schema)); err != nil {
		return classify(err, "saving rid watermarks")
	}
	if err := exec(ctx, tx, b.mapper.saveMetaSQL(schema.Version(), max(b.ids.Last(), schema.MaxID()))); err != nil {
		return classify(err, "saving schema version")
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}

	b.schema = schema
	w.logger.Debug("Published schema",
		zap.Uint64("version", schema.Version()),
		zap.Int("ops", len(w.ops)))
	return nil
}

func (w *writeInteractor) Abort() {
	w.ops = nil
	w.staged = nil
}

func (w *writeInteractor) Release() error {
	return nil
}

// readInteractor reads inside a SQLite read transaction started while the
// snapshot it serves was the published one.
type readInteractor struct {
	b        *Backend
	tx       *sql.Tx
	snapshot *metainf.Snapshot
}

var _ backend.ReadInteractor = (*readInteractor)(nil)

func (r *readInteractor) ReadRows(ctx context.Context, dp metainf.DocPart) ([]d2r.Row, error) {
	query, cols := r.b.mapper.GenerateSelectSQL(r.snapshot, dp)
	rows, err := r.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to execute SELECT query: %s", query)
	}
	defer rows.Close()
	return readRows(rows, cols)
}

func (r *readInteractor) CountRows(ctx context.Context, dp metainf.DocPart) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s;", quoteIdentifier(r.b.mapper.docPartTable(dp.ID)))
	if err := r.tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "failed to count rows of doc part %s", dp.TableRef)
	}
	return n, nil
}

func (r *readInteractor) Release() error {
	err := r.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
