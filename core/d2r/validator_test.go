package d2r

import (
	"testing"
	"time"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type schemaFixture struct {
	view   *metainf.MutableSnapshot
	col    metainf.Collection
	root   metainf.DocPart
	tags   metainf.DocPart
	name   metainf.Field
	age    metainf.Field
	tagStr metainf.Scalar
}

func newSchemaFixture(t *testing.T) schemaFixture {
	t.Helper()
	m := metainf.EmptySnapshot().Mutable(metainf.NewSequence(0))
	db, err := m.AddDatabase("d")
	require.NoError(t, err)
	col, err := m.AddCollection(db, "c")
	require.NoError(t, err)
	root, err := m.AddDocPart(col, metainf.RootTableRef())
	require.NoError(t, err)
	name, err := m.AddField(root, "name", metainf.FieldTypeString)
	require.NoError(t, err)
	age, err := m.AddField(root, "age", metainf.FieldTypeInteger)
	require.NoError(t, err)
	tags, err := m.AddDocPart(col, metainf.NewTableRef("tags"))
	require.NoError(t, err)
	tagStr, err := m.AddScalar(tags, metainf.FieldTypeString)
	require.NoError(t, err)
	return schemaFixture{view: m, col: col, root: root, tags: tags, name: name, age: age, tagStr: tagStr}
}

func issueCodes(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected a ValidationError, got %v", err)
	codes := make([]string, 0, len(ve.Issues))
	for _, issue := range ve.Issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestValidate_AcceptsWellFormedBatch(t *testing.T) {
	fx := newSchemaFixture(t)
	v := NewValidator(fx.view)

	data := NewDocPartData(fx.root, []metainf.Field{fx.name, fx.age}, nil).
		AppendRoot(0, []any{"ada", int32(36)}, nil).
		AppendRoot(1, []any{nil, int32(7)}, nil)
	assert.NoError(t, v.Validate(fx.col, data, 2))

	tags := NewDocPartData(fx.tags, nil, []metainf.Scalar{fx.tagStr}).
		AppendChild(0, 0, 0, Seq(0), nil, []any{"x"}).
		AppendChild(0, 1, 0, Seq(1), nil, []any{"y"})
	assert.NoError(t, v.Validate(fx.col, tags, 2))
}

func TestValidate_RowIssuesAreUserConditions(t *testing.T) {
	fx := newSchemaFixture(t)
	v := NewValidator(fx.view)
	fields := []metainf.Field{fx.name, fx.age}

	tests := []struct {
		name string
		data *DocPartData
		want []string
	}{
		{
			name: "wrong arity",
			data: NewDocPartData(fx.root, fields, nil).AppendRoot(0, []any{"ada"}, nil),
			want: []string{CodeFieldArity},
		},
		{
			name: "wrong type",
			data: NewDocPartData(fx.root, fields, nil).AppendRoot(0, []any{"ada", int64(36)}, nil),
			want: []string{CodeTypeMismatch},
		},
		{
			name: "root identity",
			data: NewDocPartData(fx.root, fields, nil).AppendChild(0, 1, 0, nil, []any{"ada", nil}, nil),
			want: []string{CodeRootIdentity},
		},
		{
			name: "root with sequence",
			data: NewDocPartData(fx.root, fields, nil).AppendChild(0, 0, 0, Seq(2), []any{"ada", nil}, nil),
			want: []string{CodeRootSequence},
		},
		{
			name: "rid not reserved",
			data: NewDocPartData(fx.root, fields, nil).AppendRoot(5, []any{"ada", nil}, nil),
			want: []string{CodeRidNotTaken},
		},
		{
			name: "duplicate rid in batch",
			data: NewDocPartData(fx.root, fields, nil).
				AppendRoot(1, []any{"a", nil}, nil).
				AppendRoot(1, []any{"b", nil}, nil),
			want: []string{CodeDuplicateRid},
		},
		{
			name: "negative rid",
			data: NewDocPartData(fx.root, fields, nil).AppendRoot(-1, []any{"a", nil}, nil),
			want: []string{CodeNegativeRid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(fx.col, tt.data, 3)
			require.Error(t, err)
			assert.Equal(t, txn.KindUser, txn.KindOf(err))
			assert.Equal(t, tt.want, issueCodes(t, err))
		})
	}
}

func TestValidate_MetadataMismatchIsRollback(t *testing.T) {
	fx := newSchemaFixture(t)
	v := NewValidator(fx.view)

	t.Run("foreign field", func(t *testing.T) {
		data := NewDocPartData(fx.tags, []metainf.Field{fx.name}, nil).AppendChild(0, 0, 0, nil, []any{"x"}, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(v.Validate(fx.col, data, 1)))
	})

	t.Run("unknown doc part", func(t *testing.T) {
		data := NewDocPartData(metainf.DocPart{ID: 999}, nil, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(v.Validate(fx.col, data, 1)))
	})

	t.Run("other collection", func(t *testing.T) {
		other := metainf.Collection{ID: fx.col.ID + 100, Name: "other"}
		data := NewDocPartData(fx.root, nil, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(v.Validate(other, data, 1)))
	})
}

func TestCheckValue(t *testing.T) {
	now := time.Now()
	oid := primitive.NewObjectID()

	assert.True(t, CheckValue(metainf.FieldTypeNull, nil))
	assert.False(t, CheckValue(metainf.FieldTypeNull, false))
	assert.True(t, CheckValue(metainf.FieldTypeChild, true))
	assert.True(t, CheckValue(metainf.FieldTypeInteger, int32(1)))
	assert.False(t, CheckValue(metainf.FieldTypeInteger, 1))
	assert.True(t, CheckValue(metainf.FieldTypeLong, int64(1)))
	assert.True(t, CheckValue(metainf.FieldTypeDouble, 1.5))
	assert.True(t, CheckValue(metainf.FieldTypeBinary, []byte("x")))
	assert.True(t, CheckValue(metainf.FieldTypeInstant, now))
	assert.True(t, CheckValue(metainf.FieldTypeDate, now))
	assert.True(t, CheckValue(metainf.FieldTypeObjectID, oid))
	assert.False(t, CheckValue(metainf.FieldTypeObjectID, oid.Hex()))
}

func TestDocPartData_Values(t *testing.T) {
	fx := newSchemaFixture(t)
	data := NewDocPartData(fx.root, []metainf.Field{fx.name, fx.age}, nil).
		AppendRoot(0, []any{"ada", nil}, nil).
		AppendRoot(1, []any{"bob", int32(3)}, nil).
		AppendRoot(1, []any{"bob", int32(3)}, nil)

	assert.Equal(t, map[metainf.ID]any{fx.name.ID: "ada"}, data.Values(data.Rows[0]))
	assert.Equal(t, []int64{0, 1}, data.Dids())
}
