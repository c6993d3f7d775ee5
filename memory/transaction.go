package memory

import (
	"context"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"go.uber.org/zap"
)

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
)

// rowOp is a row mutation recorded for replay at commit.
type rowOp struct {
	kind       opKind
	docPart    metainf.DocPart
	rows       []storedRow
	collection metainf.ID
	dids       []int64
}

// writeInteractor is the private view of one write transaction.
type writeInteractor struct {
	b    *Backend
	base *state
	// tables holds the row trees this transaction wrote to, cloned from
	// base on first write.
	tables  map[metainf.ID]*rowTree
	dropped map[metainf.ID]bool
	ops     []rowOp
}

var _ backend.WriteInteractor = (*writeInteractor)(nil)

// table returns the private tree of dp, cloning the committed one on first
// use. ok is false when dp has no table in this view.
func (w *writeInteractor) table(dp metainf.ID) (*rowTree, bool) {
	if w.dropped[dp] {
		return nil, false
	}
	if t, ok := w.tables[dp]; ok {
		return t, true
	}
	committed, ok := w.base.tables[dp]
	if !ok {
		return nil, false
	}
	t := w.b.cloneTree(committed)
	w.tables[dp] = t
	return t, true
}

func (w *writeInteractor) StageChange(_ context.Context, change backend.SchemaChange) error {
	switch change.Kind {
	case metainf.ChangeAddDocPart:
		w.tables[change.DocPart.ID] = newRowTree()
	case metainf.ChangeDropCollection, metainf.ChangeDropDatabase:
		for _, dp := range change.DroppedDocParts {
			delete(w.tables, dp.ID)
			w.dropped[dp.ID] = true
		}
		w.discardInserts()
	}
	return nil
}

// discardInserts forgets the staged inserts into doc parts this transaction
// dropped. Their rows go with the drop and are never replayed.
func (w *writeInteractor) discardInserts() {
	kept := w.ops[:0]
	for _, op := range w.ops {
		if op.kind == opInsert && w.dropped[op.docPart.ID] {
			continue
		}
		kept = append(kept, op)
	}
	w.ops = kept
}

func (w *writeInteractor) SeedRid(_ context.Context, dp metainf.DocPart) (int64, error) {
	var next int64
	raise := func(t *rowTree) {
		if t == nil {
			return
		}
		if last, ok := t.Max(); ok && last.Rid >= next {
			next = last.Rid + 1
		}
	}
	if t, ok := w.tables[dp.ID]; ok {
		raise(t)
	}
	if latest, err := w.b.current(); err == nil {
		raise(latest.tables[dp.ID])
	}
	return next, nil
}

func (w *writeInteractor) InsertRows(_ context.Context, _ metainf.Collection, data *d2r.DocPartData) error {
	t, ok := w.table(data.DocPart.ID)
	if !ok {
		return txn.Rollbackf("doc part %s has no row table", data.DocPart.TableRef)
	}

	rows := make([]storedRow, 0, len(data.Rows))
	var issues []d2r.Issue
	for i, row := range data.Rows {
		if t.Has(storedRow{Rid: row.Rid}) {
			issues = append(issues, d2r.DuplicateRidIssue(i, row.Rid))
			continue
		}
		r, err := encodeRow(data, row)
		if err != nil {
			return txn.WrapUser(err, "encoding row")
		}
		rows = append(rows, r)
	}
	if len(issues) > 0 {
		return d2r.NewValidationError(data.DocPart, issues...)
	}

	for _, r := range rows {
		t.ReplaceOrInsert(r)
	}
	w.ops = append(w.ops, rowOp{kind: opInsert, docPart: data.DocPart, rows: rows})
	return nil
}

func (w *writeInteractor) DeleteDids(_ context.Context, col metainf.Collection, docParts []metainf.DocPart, dids []int64) error {
	set := didSet(dids)
	for _, dp := range docParts {
		if t, ok := w.table(dp.ID); ok {
			deleteDids(t, set)
		}
	}
	w.ops = append(w.ops, rowOp{kind: opDelete, collection: col.ID, dids: dids})
	return nil
}

func didSet(dids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(dids))
	for _, did := range dids {
		set[did] = struct{}{}
	}
	return set
}

func deleteDids(t *rowTree, set map[int64]struct{}) int {
	var victims []storedRow
	t.Ascend(func(r storedRow) bool {
		if _, ok := set[r.Did]; ok {
			victims = append(victims, r)
		}
		return true
	})
	for _, r := range victims {
		t.Delete(r)
	}
	return len(victims)
}

// Commit replays this transaction onto the latest committed state. Nothing
// is published unless the whole replay succeeds.
func (w *writeInteractor) Commit(_ context.Context, staged *metainf.MutableSnapshot) error {
	b := w.b
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	latest, err := b.current()
	if err != nil {
		return txn.WrapRollback(err, "commit")
	}

	schema := latest.schema
	if staged.Dirty() {
		if schema, err = metainf.Merge(latest.schema, staged.Changes()); err != nil {
			return txn.WrapRollback(err, "concurrent schema change")
		}
	}

	tables := make(map[metainf.ID]*rowTree, len(latest.tables))
	for id, t := range latest.tables {
		if _, ok := schema.DocPartByID(id); ok {
			tables[id] = t
		}
	}
	owned := map[metainf.ID]bool{}
	writable := func(id metainf.ID) (*rowTree, bool) {
		if _, ok := schema.DocPartByID(id); !ok {
			return nil, false
		}
		t, ok := tables[id]
		switch {
		case !ok:
			t = newRowTree()
		case !owned[id]:
			t = b.cloneTree(t)
		}
		tables[id] = t
		owned[id] = true
		return t, true
	}

	for _, op := range w.ops {
		switch op.kind {
		case opInsert:
			t, ok := writable(op.docPart.ID)
			if !ok {
				return txn.Rollbackf("doc part %s was dropped concurrently", op.docPart.TableRef)
			}
			var issues []d2r.Issue
			for i, r := range op.rows {
				if t.Has(r) {
					issues = append(issues, d2r.DuplicateRidIssue(i, r.Rid))
				}
			}
			if len(issues) > 0 {
				return d2r.NewValidationError(op.docPart, issues...)
			}
			for _, r := range op.rows {
				t.ReplaceOrInsert(r)
			}
		case opDelete:
			// doc parts added to the collection since are covered too
			set := didSet(op.dids)
			for _, dp := range schema.DocParts(op.collection) {
				if t, ok := writable(dp.ID); ok {
					deleteDids(t, set)
				}
			}
		}
	}
	// every doc part of the schema owns a table, even if it has no rows yet
	for _, id := range docPartIDs(schema) {
		if _, ok := tables[id]; !ok {
			tables[id] = newRowTree()
		}
	}

	next := &state{schema: schema, tables: tables}
	if b.opts.SyncOnCommit && b.opts.Path != "" {
		if err := b.writeDump(next); err != nil {
			return txn.WrapRollback(err, "syncing dump")
		}
	}
	b.publish(next)
	b.logger.Debug("Published state",
		zap.Uint64("version", schema.Version()),
		zap.Int("ops", len(w.ops)))
	return nil
}

func docPartIDs(v metainf.View) []metainf.ID {
	var ids []metainf.ID
	for _, db := range v.Databases() {
		for _, col := range v.Collections(db.ID) {
			for _, dp := range v.DocParts(col.ID) {
				ids = append(ids, dp.ID)
			}
		}
	}
	return ids
}

func (w *writeInteractor) Abort() {
	w.tables = nil
	w.ops = nil
}

func (w *writeInteractor) Release() error {
	w.base = nil
	return nil
}

type readInteractor struct {
	state *state
}

var _ backend.ReadInteractor = (*readInteractor)(nil)

func (r *readInteractor) ReadRows(ctx context.Context, dp metainf.DocPart) ([]d2r.Row, error) {
	t, ok := r.state.tables[dp.ID]
	if !ok {
		return []d2r.Row{}, nil
	}
	rows := make([]d2r.Row, 0, t.Len())
	var err error
	t.Ascend(func(sr storedRow) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		var row d2r.Row
		if row, err = decodeRow(sr); err != nil {
			return false
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *readInteractor) CountRows(_ context.Context, dp metainf.DocPart) (int, error) {
	t, ok := r.state.tables[dp.ID]
	if !ok {
		return 0, nil
	}
	return t.Len(), nil
}

func (r *readInteractor) Release() error {
	r.state = nil
	return nil
}
