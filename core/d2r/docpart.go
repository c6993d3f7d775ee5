// Package d2r carries document data already split into doc part rows, and
// the checks a batch must pass before it reaches storage.
package d2r

import (
	"github.com/asaidimu/go-tessera/core/metainf"
)

// DocPartRow is one row of a doc part. FieldValues and ScalarValues are
// positional: value i belongs to the i-th Field or Scalar of the enclosing
// DocPartData. A nil value means the column is absent for this row.
type DocPartRow struct {
	// Did is the rid of the root row of the document.
	Did int64
	// Rid identifies the row inside its doc part.
	Rid int64
	// Pid is the rid of the parent row, equal to Did for root rows.
	Pid int64
	// Seq is the position inside an array, nil outside arrays.
	Seq          *int32
	FieldValues  []any
	ScalarValues []any
}

// DocPartData is a batch of rows destined to a single doc part.
type DocPartData struct {
	DocPart metainf.DocPart
	Fields  []metainf.Field
	Scalars []metainf.Scalar
	Rows    []DocPartRow
}

// NewDocPartData returns an empty batch for dp with the given column sets.
func NewDocPartData(dp metainf.DocPart, fields []metainf.Field, scalars []metainf.Scalar) *DocPartData {
	return &DocPartData{DocPart: dp, Fields: fields, Scalars: scalars}
}

// AppendRoot adds a root row whose did, rid and pid are all rid.
func (d *DocPartData) AppendRoot(rid int64, fieldValues []any, scalarValues []any) *DocPartData {
	d.Rows = append(d.Rows, DocPartRow{
		Did:          rid,
		Rid:          rid,
		Pid:          rid,
		FieldValues:  fieldValues,
		ScalarValues: scalarValues,
	})
	return d
}

// AppendChild adds a row below the parent row pid of document did.
func (d *DocPartData) AppendChild(did, rid, pid int64, seq *int32, fieldValues []any, scalarValues []any) *DocPartData {
	d.Rows = append(d.Rows, DocPartRow{
		Did:          did,
		Rid:          rid,
		Pid:          pid,
		Seq:          seq,
		FieldValues:  fieldValues,
		ScalarValues: scalarValues,
	})
	return d
}

// Dids returns the distinct document ids referenced by the batch.
func (d *DocPartData) Dids() []int64 {
	seen := make(map[int64]struct{}, len(d.Rows))
	out := make([]int64, 0, len(d.Rows))
	for _, r := range d.Rows {
		if _, ok := seen[r.Did]; ok {
			continue
		}
		seen[r.Did] = struct{}{}
		out = append(out, r.Did)
	}
	return out
}

// Values keys the non-nil values of row by column ID.
func (d *DocPartData) Values(row DocPartRow) map[metainf.ID]any {
	values := make(map[metainf.ID]any, len(row.FieldValues)+len(row.ScalarValues))
	for i, v := range row.FieldValues {
		if v != nil && i < len(d.Fields) {
			values[d.Fields[i].ID] = v
		}
	}
	for i, v := range row.ScalarValues {
		if v != nil && i < len(d.Scalars) {
			values[d.Scalars[i].ID] = v
		}
	}
	return values
}

// Row is a stored row as handed back by a read transaction.
type Row struct {
	Did    int64
	Rid    int64
	Pid    int64
	Seq    *int32
	Values map[metainf.ID]any
}

// Seq is a convenience for building array positions.
func Seq(i int32) *int32 {
	return &i
}
