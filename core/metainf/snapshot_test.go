package metainf

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db  Database
	col Collection
	dp  DocPart
	sub DocPart
}

func buildSchema(t *testing.T, m *MutableSnapshot) fixture {
	t.Helper()
	db, err := m.AddDatabase("d")
	require.NoError(t, err)
	col, err := m.AddCollection(db, "c")
	require.NoError(t, err)
	dp, err := m.AddDocPart(col, RootTableRef())
	require.NoError(t, err)
	_, err = m.AddField(dp, "name", FieldTypeString)
	require.NoError(t, err)
	_, err = m.AddField(dp, "name", FieldTypeLong)
	require.NoError(t, err)
	sub, err := m.AddDocPart(col, NewTableRef("tags"))
	require.NoError(t, err)
	_, err = m.AddScalar(sub, FieldTypeString)
	require.NoError(t, err)
	return fixture{db: db, col: col, dp: dp, sub: sub}
}

func TestMutableSnapshot_DependencyOrder(t *testing.T) {
	base := EmptySnapshot()
	m := base.Mutable(NewSequence(0))
	fx := buildSchema(t, m)

	published := m.Immutable()
	assert.Equal(t, uint64(1), published.Version())
	assert.Empty(t, base.Databases(), "base snapshot must not see staged changes")

	db, ok := published.Database("d")
	require.True(t, ok)
	assert.Equal(t, fx.db, db)

	col, ok := published.Collection(db.ID, "c")
	require.True(t, ok)
	assert.Equal(t, db.ID, col.DatabaseID)

	parts := published.DocParts(col.ID)
	require.Len(t, parts, 2)
	assert.True(t, parts[0].TableRef.IsRoot())
	assert.Equal(t, "tags", parts[1].TableRef.String())

	fields := published.Fields(fx.dp.ID)
	require.Len(t, fields, 2)
	for _, f := range fields {
		assert.Equal(t, fx.dp.ID, f.DocPartID)
	}
	scalars := published.Scalars(fx.sub.ID)
	require.Len(t, scalars, 1)
	assert.Equal(t, FieldTypeString, scalars[0].Type)
}

func TestMutableSnapshot_Conflicts(t *testing.T) {
	m := EmptySnapshot().Mutable(NewSequence(0))
	fx := buildSchema(t, m)

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"duplicate database", func() error { _, err := m.AddDatabase("d"); return err }, ErrDatabaseExists},
		{"empty database name", func() error { _, err := m.AddDatabase(""); return err }, ErrInvalidName},
		{"collection in unknown database", func() error {
			_, err := m.AddCollection(Database{ID: 999, Name: "x"}, "c")
			return err
		}, ErrDatabaseNotFound},
		{"duplicate collection", func() error { _, err := m.AddCollection(fx.db, "c"); return err }, ErrCollectionExists},
		{"doc part without parent", func() error {
			_, err := m.AddDocPart(fx.col, NewTableRef("a", "b"))
			return err
		}, ErrDocPartNotFound},
		{"duplicate doc part", func() error { _, err := m.AddDocPart(fx.col, RootTableRef()); return err }, ErrDocPartExists},
		{"duplicate field", func() error { _, err := m.AddField(fx.dp, "name", FieldTypeString); return err }, ErrFieldExists},
		{"unknown field type", func() error { _, err := m.AddField(fx.dp, "x", FieldType("uuid")); return err }, ErrUnknownFieldType},
		{"duplicate scalar", func() error { _, err := m.AddScalar(fx.sub, FieldTypeString); return err }, ErrScalarExists},
		{"field on unknown doc part", func() error {
			_, err := m.AddField(DocPart{ID: 999}, "x", FieldTypeString)
			return err
		}, ErrDocPartNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(m.Changes())
			err := tt.op()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Len(t, m.Changes(), before, "failed change must not be logged")
		})
	}
}

func TestMutableSnapshot_DropCollectionCascades(t *testing.T) {
	m := EmptySnapshot().Mutable(NewSequence(0))
	fx := buildSchema(t, m)

	require.NoError(t, m.DropCollection(fx.db, fx.col))

	_, ok := m.Collection(fx.db.ID, "c")
	assert.False(t, ok)
	assert.Empty(t, m.DocParts(fx.col.ID))
	assert.Empty(t, m.Fields(fx.dp.ID))
	assert.Empty(t, m.Scalars(fx.sub.ID))
	_, ok = m.DocPartByID(fx.sub.ID)
	assert.False(t, ok)

	// same name can be reused afterwards
	_, err := m.AddCollection(fx.db, "c")
	assert.NoError(t, err)
}

func TestMutableSnapshot_DropDatabaseCascades(t *testing.T) {
	m := EmptySnapshot().Mutable(NewSequence(0))
	fx := buildSchema(t, m)

	require.NoError(t, m.DropDatabase(fx.db))
	assert.Empty(t, m.Databases())
	_, ok := m.CollectionByID(fx.col.ID)
	assert.False(t, ok)
	_, ok = m.FieldByID(fx.dp.ID + 1)
	assert.False(t, ok)

	err := m.DropDatabase(fx.db)
	assert.True(t, errors.Is(err, ErrDatabaseNotFound))
}

func TestMutableSnapshot_RenameCollection(t *testing.T) {
	m := EmptySnapshot().Mutable(NewSequence(0))
	fx := buildSchema(t, m)
	before := DescribeCollection(m, fx.col)

	other, err := m.AddDatabase("other")
	require.NoError(t, err)

	moved, err := m.RenameCollection(fx.db, fx.col, other, "moved")
	require.NoError(t, err)
	assert.Equal(t, fx.col.ID, moved.ID)

	_, ok := m.Collection(fx.db.ID, "c")
	assert.False(t, ok, "source namespace must be gone")
	got, ok := m.Collection(other.ID, "moved")
	require.True(t, ok)

	after := DescribeCollection(m, got)
	after.Name = before.Name
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("owned structure changed on rename (-before +after):\n%s", diff)
	}

	t.Run("stale source", func(t *testing.T) {
		_, err := m.RenameCollection(fx.db, fx.col, other, "again")
		assert.True(t, errors.Is(err, ErrCollectionNotFound))
	})

	t.Run("occupied destination", func(t *testing.T) {
		taken, err := m.AddCollection(other, "taken")
		require.NoError(t, err)
		_, err = m.RenameCollection(other, got, other, taken.Name)
		assert.True(t, errors.Is(err, ErrCollectionExists))
	})

	t.Run("onto itself", func(t *testing.T) {
		_, err := m.RenameCollection(other, got, other, got.Name)
		assert.True(t, errors.Is(err, ErrCollectionExists))
	})
}

func TestMerge(t *testing.T) {
	seq := NewSequence(0)
	base := EmptySnapshot().Mutable(seq)
	db, err := base.AddDatabase("d")
	require.NoError(t, err)
	v1 := base.Immutable()

	a := v1.Mutable(seq)
	_, err = a.AddCollection(db, "c")
	require.NoError(t, err)

	b := v1.Mutable(seq)
	_, err = b.AddCollection(db, "c")
	require.NoError(t, err)

	c := v1.Mutable(seq)
	_, err = c.AddCollection(db, "other")
	require.NoError(t, err)

	v2, err := Merge(v1, a.Changes())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.Version())

	_, err = Merge(v2, b.Changes())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCollectionExists), "got %v", err)

	v3, err := Merge(v2, c.Changes())
	require.NoError(t, err)
	assert.Len(t, v3.Collections(db.ID), 2)
	assert.Len(t, v1.Collections(db.ID), 0, "published snapshots never change")
}

func TestEntriesRestore(t *testing.T) {
	m := EmptySnapshot().Mutable(NewSequence(0))
	buildSchema(t, m)
	snap := m.Immutable()

	restored, err := Restore(snap.Version(), snap.Entries())
	require.NoError(t, err)
	assert.Equal(t, snap.Version(), restored.Version())
	assert.Equal(t, snap.MaxID(), restored.MaxID())
	if diff := cmp.Diff(Describe(snap), Describe(restored)); diff != "" {
		t.Errorf("restored schema differs (-want +got):\n%s", diff)
	}

	t.Run("orphan collection", func(t *testing.T) {
		_, err := Restore(1, Entries{Collections: []Collection{{ID: 7, DatabaseID: 3, Name: "c"}}})
		assert.True(t, errors.Is(err, ErrDatabaseNotFound))
	})
}

func TestSequence(t *testing.T) {
	seq := NewSequence(5)
	assert.Equal(t, ID(6), seq.NextID())
	seq.Observe(3)
	assert.Equal(t, ID(7), seq.NextID())
	seq.Observe(20)
	assert.Equal(t, ID(21), seq.NextID())
}

func TestTableRef(t *testing.T) {
	root := RootTableRef()
	assert.True(t, root.IsRoot())
	assert.Equal(t, "$root", root.String())
	assert.Equal(t, 0, root.Depth())
	assert.Equal(t, root, root.Parent())

	ref := root.Child("a").Child("b.c")
	assert.Equal(t, NewTableRef("a", "b.c"), ref)
	assert.Equal(t, 2, ref.Depth())
	assert.Equal(t, "b.c", ref.Name())
	assert.Equal(t, NewTableRef("a"), ref.Parent())

	decoded, err := DecodeTableRef(ref.Encode())
	require.NoError(t, err)
	assert.Equal(t, ref, decoded)

	decoded, err = DecodeTableRef(root.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.IsRoot())

	_, err = DecodeTableRef("not json")
	assert.Error(t, err)
}
