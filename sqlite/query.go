package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxBindVars bounds the number of dids bound by one DELETE statement.
const maxBindVars = 500

// column is one value column of a doc part table.
type column struct {
	id   metainf.ID
	name string
	typ  metainf.FieldType
}

// columnsOf lists the value columns of dp in view, fields first.
func columnsOf(view metainf.View, dp metainf.ID) []column {
	var cols []column
	for _, f := range view.Fields(dp) {
		cols = append(cols, column{id: f.ID, name: fieldColumn(f.ID), typ: f.Type})
	}
	for _, s := range view.Scalars(dp) {
		cols = append(cols, column{id: s.ID, name: scalarColumn(s.ID), typ: s.Type})
	}
	return cols
}

// insertBatch is a DocPartData encoded for its table.
type insertBatch struct {
	docPart metainf.DocPart
	query   string
	rows    [][]any
	rids    []int64
}

// GenerateInsertSQL builds the statement and bind values inserting data.
func (m mapper) GenerateInsertSQL(data *d2r.DocPartData) (insertBatch, error) {
	cols := make([]column, 0, len(data.Fields)+len(data.Scalars))
	for _, f := range data.Fields {
		cols = append(cols, column{id: f.ID, name: fieldColumn(f.ID), typ: f.Type})
	}
	for _, s := range data.Scalars {
		cols = append(cols, column{id: s.ID, name: scalarColumn(s.ID), typ: s.Type})
	}

	names := []string{"did", "rid", "pid", "seq"}
	for _, c := range cols {
		names = append(names, quoteIdentifier(c.name))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	batch := insertBatch{
		docPart: data.DocPart,
		query: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
			quoteIdentifier(m.docPartTable(data.DocPart.ID)), strings.Join(names, ", "), placeholders),
		rows: make([][]any, 0, len(data.Rows)),
		rids: make([]int64, 0, len(data.Rows)),
	}

	for _, row := range data.Rows {
		args := make([]any, 0, len(names))
		var seq any
		if row.Seq != nil {
			seq = int64(*row.Seq)
		}
		args = append(args, row.Did, row.Rid, row.Pid, seq)
		values := append(append([]any{}, row.FieldValues...), row.ScalarValues...)
		for i, c := range cols {
			var v any
			if i < len(values) {
				v = values[i]
			}
			enc, err := encodeValue(c.typ, v)
			if err != nil {
				return insertBatch{}, errors.Wrapf(err, "row %d column %s", row.Rid, c.name)
			}
			args = append(args, enc)
		}
		batch.rows = append(batch.rows, args)
		batch.rids = append(batch.rids, row.Rid)
	}
	return batch, nil
}

// run executes the batch with a single prepared statement. A rid already in
// the table is reported as a user condition.
func (b insertBatch) run(ctx context.Context, tx *sql.Tx) error {
	prepared, err := tx.PrepareContext(ctx, b.query)
	if err != nil {
		return errors.Wrapf(err, "failed to prepare insert into doc part %d", b.docPart.ID)
	}
	defer prepared.Close()

	var issues []d2r.Issue
	for i, args := range b.rows {
		_, err := prepared.ExecContext(ctx, args...)
		switch {
		case err == nil:
		case isConstraint(err):
			issues = append(issues, d2r.DuplicateRidIssue(i, b.rids[i]))
		default:
			return errors.Wrapf(err, "failed to insert rid %d", b.rids[i])
		}
	}
	if len(issues) > 0 {
		return d2r.NewValidationError(b.docPart, issues...)
	}
	return nil
}

// GenerateSelectSQL builds the statement reading every row of dp in rid
// order, with the value columns visible in view.
func (m mapper) GenerateSelectSQL(view metainf.View, dp metainf.DocPart) (string, []column) {
	cols := columnsOf(view, dp.ID)
	names := []string{"did", "rid", "pid", "seq"}
	for _, c := range cols {
		names = append(names, quoteIdentifier(c.name))
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY rid;", strings.Join(names, ", "), quoteIdentifier(m.docPartTable(dp.ID))), cols
}

// GenerateDeleteSQL builds the statements deleting the rows of table whose
// did is listed, binding at most maxBindVars dids each.
func (m mapper) GenerateDeleteSQL(dp metainf.ID, dids []int64) []stmt {
	var out []stmt
	for start := 0; start < len(dids); start += maxBindVars {
		end := min(start+maxBindVars, len(dids))
		chunk := dids[start:end]
		args := make([]any, len(chunk))
		for i, did := range chunk {
			args[i] = did
		}
		out = append(out, stmt{
			query: fmt.Sprintf("DELETE FROM %s WHERE did IN (%s);",
				quoteIdentifier(m.docPartTable(dp)), strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")),
			args: args,
		})
	}
	return out
}

// readRows scans rows produced by GenerateSelectSQL.
func readRows(rows *sql.Rows, cols []column) ([]d2r.Row, error) {
	out := []d2r.Row{}
	for rows.Next() {
		var (
			row d2r.Row
			seq sql.NullInt64
		)
		values := make([]any, len(cols))
		scanArgs := []any{&row.Did, &row.Rid, &row.Pid, &seq}
		for i := range values {
			scanArgs = append(scanArgs, &values[i])
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		if seq.Valid {
			row.Seq = d2r.Seq(int32(seq.Int64))
		}
		row.Values = make(map[metainf.ID]any, len(cols))
		for i, c := range cols {
			v, err := decodeValue(c.typ, values[i])
			if err != nil {
				return nil, errors.Wrapf(err, "rid %d column %s", row.Rid, c.name)
			}
			if v != nil {
				row.Values[c.id] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error after scanning rows")
	}
	return out, nil
}

// encodeValue converts a validated value to what the column stores.
func encodeValue(t metainf.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case int32:
		return int64(val), nil
	case int64, float64, string, []byte:
		return val, nil
	case time.Time:
		return val.UnixMilli(), nil
	case primitive.ObjectID:
		return val[:], nil
	}
	return nil, errors.Newf("cannot store %T in a %s column", v, t)
}

// decodeValue converts a stored value back to the Go type of its column
// type.
func decodeValue(t metainf.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case metainf.FieldTypeNull:
		return nil, nil
	case metainf.FieldTypeBoolean, metainf.FieldTypeChild:
		switch val := v.(type) {
		case int64:
			return val != 0, nil
		case bool:
			return val, nil
		}
	case metainf.FieldTypeInteger:
		if val, ok := v.(int64); ok {
			return int32(val), nil
		}
	case metainf.FieldTypeLong:
		if val, ok := v.(int64); ok {
			return val, nil
		}
	case metainf.FieldTypeDouble:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int64:
			return float64(val), nil
		}
	case metainf.FieldTypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		}
	case metainf.FieldTypeBinary:
		switch val := v.(type) {
		case []byte:
			return append([]byte{}, val...), nil
		case string:
			return []byte(val), nil
		}
	case metainf.FieldTypeDate, metainf.FieldTypeInstant:
		switch val := v.(type) {
		case int64:
			return time.UnixMilli(val).UTC(), nil
		case time.Time:
			return val.UTC(), nil
		}
	case metainf.FieldTypeObjectID:
		if val, ok := v.([]byte); ok && len(val) == len(primitive.ObjectID{}) {
			var oid primitive.ObjectID
			copy(oid[:], val)
			return oid, nil
		}
	}
	return nil, errors.Newf("unexpected %T stored in a %s column", v, t)
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return true
	}
	return sqliteErr.Code == sqlite3.ErrConstraint
}

// classify marks SQLite failures. Constraint violations are caused by the
// request; everything else, busy and locked databases included, abandons
// the transaction.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if txn.KindOf(err) != txn.KindUnknown {
		return err
	}
	if isConstraint(err) {
		return txn.WrapUser(err, msg)
	}
	return txn.WrapRollback(err, msg)
}
