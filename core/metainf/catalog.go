package metainf

import (
	"strings"

	"github.com/google/btree"
)

const treeDegree = 16

type nameKind uint8

const (
	kindDatabase nameKind = iota + 1
	kindCollection
	kindDocPart
	kindField
	kindScalar
)

// nameKey indexes an entity by (kind, parent ID, name). Enumerating the
// children of a parent is an ascending walk from (kind, parent, "").
type nameKey struct {
	kind   nameKind
	parent ID
	name   string
	id     ID
}

func lessName(a, b nameKey) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	return a.name < b.name
}

func fieldKey(name string, typ FieldType) string {
	return name + pathSeparator + string(typ)
}

// catalog is the set of indices backing both Snapshot and MutableSnapshot.
// Its exported methods form the View interface.
type catalog struct {
	version     uint64
	databases   *btree.BTreeG[Database]
	collections *btree.BTreeG[Collection]
	docParts    *btree.BTreeG[DocPart]
	fields      *btree.BTreeG[Field]
	scalars     *btree.BTreeG[Scalar]
	names       *btree.BTreeG[nameKey]
}

func newCatalog() *catalog {
	return &catalog{
		databases:   btree.NewG(treeDegree, func(a, b Database) bool { return a.ID < b.ID }),
		collections: btree.NewG(treeDegree, func(a, b Collection) bool { return a.ID < b.ID }),
		docParts:    btree.NewG(treeDegree, func(a, b DocPart) bool { return a.ID < b.ID }),
		fields:      btree.NewG(treeDegree, func(a, b Field) bool { return a.ID < b.ID }),
		scalars:     btree.NewG(treeDegree, func(a, b Scalar) bool { return a.ID < b.ID }),
		names:       btree.NewG(treeDegree, lessName),
	}
}

// clone returns a copy-on-write copy of every index. Clone writes to the
// source trees, callers must serialize clones of a shared catalog.
func (c *catalog) clone() *catalog {
	return &catalog{
		version:     c.version,
		databases:   c.databases.Clone(),
		collections: c.collections.Clone(),
		docParts:    c.docParts.Clone(),
		fields:      c.fields.Clone(),
		scalars:     c.scalars.Clone(),
		names:       c.names.Clone(),
	}
}

func (c *catalog) lookup(kind nameKind, parent ID, name string) (ID, bool) {
	k, ok := c.names.Get(nameKey{kind: kind, parent: parent, name: name})
	return k.id, ok
}

func (c *catalog) children(kind nameKind, parent ID) []ID {
	var ids []ID
	c.names.AscendGreaterOrEqual(nameKey{kind: kind, parent: parent}, func(k nameKey) bool {
		if k.kind != kind || k.parent != parent {
			return false
		}
		ids = append(ids, k.id)
		return true
	})
	return ids
}

// Version is the number of commits that produced this schema.
func (c *catalog) Version() uint64 {
	return c.version
}

func (c *catalog) Database(name string) (Database, bool) {
	id, ok := c.lookup(kindDatabase, InvalidID, name)
	if !ok {
		return Database{}, false
	}
	return c.DatabaseByID(id)
}

func (c *catalog) DatabaseByID(id ID) (Database, bool) {
	return c.databases.Get(Database{ID: id})
}

// Databases lists every database ordered by name.
func (c *catalog) Databases() []Database {
	ids := c.children(kindDatabase, InvalidID)
	out := make([]Database, 0, len(ids))
	for _, id := range ids {
		if db, ok := c.DatabaseByID(id); ok {
			out = append(out, db)
		}
	}
	return out
}

func (c *catalog) Collection(databaseID ID, name string) (Collection, bool) {
	id, ok := c.lookup(kindCollection, databaseID, name)
	if !ok {
		return Collection{}, false
	}
	return c.CollectionByID(id)
}

func (c *catalog) CollectionByID(id ID) (Collection, bool) {
	return c.collections.Get(Collection{ID: id})
}

// Collections lists the collections of a database ordered by name.
func (c *catalog) Collections(databaseID ID) []Collection {
	ids := c.children(kindCollection, databaseID)
	out := make([]Collection, 0, len(ids))
	for _, id := range ids {
		if col, ok := c.CollectionByID(id); ok {
			out = append(out, col)
		}
	}
	return out
}

func (c *catalog) DocPart(collectionID ID, ref TableRef) (DocPart, bool) {
	id, ok := c.lookup(kindDocPart, collectionID, ref.path)
	if !ok {
		return DocPart{}, false
	}
	return c.DocPartByID(id)
}

func (c *catalog) DocPartByID(id ID) (DocPart, bool) {
	return c.docParts.Get(DocPart{ID: id})
}

// DocParts lists the doc parts of a collection, parents before children.
func (c *catalog) DocParts(collectionID ID) []DocPart {
	ids := c.children(kindDocPart, collectionID)
	out := make([]DocPart, 0, len(ids))
	for _, id := range ids {
		if dp, ok := c.DocPartByID(id); ok {
			out = append(out, dp)
		}
	}
	return out
}

func (c *catalog) Field(docPartID ID, name string, typ FieldType) (Field, bool) {
	id, ok := c.lookup(kindField, docPartID, fieldKey(name, typ))
	if !ok {
		return Field{}, false
	}
	return c.FieldByID(id)
}

func (c *catalog) FieldByID(id ID) (Field, bool) {
	return c.fields.Get(Field{ID: id})
}

// Fields lists the fields of a doc part ordered by name, then type.
func (c *catalog) Fields(docPartID ID) []Field {
	ids := c.children(kindField, docPartID)
	out := make([]Field, 0, len(ids))
	for _, id := range ids {
		if f, ok := c.FieldByID(id); ok {
			out = append(out, f)
		}
	}
	return out
}

func (c *catalog) Scalar(docPartID ID, typ FieldType) (Scalar, bool) {
	id, ok := c.lookup(kindScalar, docPartID, string(typ))
	if !ok {
		return Scalar{}, false
	}
	return c.ScalarByID(id)
}

func (c *catalog) ScalarByID(id ID) (Scalar, bool) {
	return c.scalars.Get(Scalar{ID: id})
}

// Scalars lists the scalars of a doc part ordered by type.
func (c *catalog) Scalars(docPartID ID) []Scalar {
	ids := c.children(kindScalar, docPartID)
	out := make([]Scalar, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.ScalarByID(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// MaxID is the highest ID used by any entity, InvalidID when empty.
func (c *catalog) MaxID() ID {
	maxID := InvalidID
	raise := func(id ID, ok bool) {
		if ok && id > maxID {
			maxID = id
		}
	}
	db, ok := c.databases.Max()
	raise(db.ID, ok)
	col, ok := c.collections.Max()
	raise(col.ID, ok)
	dp, ok := c.docParts.Max()
	raise(dp.ID, ok)
	f, ok := c.fields.Max()
	raise(f.ID, ok)
	s, ok := c.scalars.Max()
	raise(s.ID, ok)
	return maxID
}

func validateName(what, name string) error {
	if name == "" {
		return wrapf(ErrInvalidName, "%s name must not be empty", what)
	}
	if strings.Contains(name, pathSeparator) {
		return wrapf(ErrInvalidName, "%s name %q contains NUL", what, name)
	}
	return nil
}

func (c *catalog) addDatabase(db Database) error {
	if err := validateName("database", db.Name); err != nil {
		return err
	}
	if _, ok := c.lookup(kindDatabase, InvalidID, db.Name); ok {
		return wrapf(ErrDatabaseExists, "database %q", db.Name)
	}
	c.databases.ReplaceOrInsert(db)
	c.names.ReplaceOrInsert(nameKey{kind: kindDatabase, name: db.Name, id: db.ID})
	return nil
}

func (c *catalog) dropDatabase(db Database) error {
	cur, ok := c.DatabaseByID(db.ID)
	if !ok || cur.Name != db.Name {
		return wrapf(ErrDatabaseNotFound, "database %q", db.Name)
	}
	for _, col := range c.Collections(cur.ID) {
		c.removeCollection(col)
	}
	c.names.Delete(nameKey{kind: kindDatabase, name: cur.Name})
	c.databases.Delete(cur)
	return nil
}

func (c *catalog) addCollection(col Collection) error {
	if err := validateName("collection", col.Name); err != nil {
		return err
	}
	db, ok := c.DatabaseByID(col.DatabaseID)
	if !ok {
		return wrapf(ErrDatabaseNotFound, "database of collection %q", col.Name)
	}
	if _, ok := c.lookup(kindCollection, db.ID, col.Name); ok {
		return wrapf(ErrCollectionExists, "collection %q.%q", db.Name, col.Name)
	}
	c.collections.ReplaceOrInsert(col)
	c.names.ReplaceOrInsert(nameKey{kind: kindCollection, parent: db.ID, name: col.Name, id: col.ID})
	return nil
}

// currentCollection checks that col is still registered under the same
// database and name.
func (c *catalog) currentCollection(col Collection) (Collection, error) {
	cur, ok := c.CollectionByID(col.ID)
	if !ok || cur.DatabaseID != col.DatabaseID || cur.Name != col.Name {
		return Collection{}, wrapf(ErrCollectionNotFound, "collection %q", col.Name)
	}
	return cur, nil
}

func (c *catalog) dropCollection(col Collection) error {
	cur, err := c.currentCollection(col)
	if err != nil {
		return err
	}
	c.removeCollection(cur)
	return nil
}

func (c *catalog) removeCollection(col Collection) {
	for _, dp := range c.DocParts(col.ID) {
		for _, f := range c.Fields(dp.ID) {
			c.names.Delete(nameKey{kind: kindField, parent: dp.ID, name: fieldKey(f.Name, f.Type)})
			c.fields.Delete(f)
		}
		for _, s := range c.Scalars(dp.ID) {
			c.names.Delete(nameKey{kind: kindScalar, parent: dp.ID, name: string(s.Type)})
			c.scalars.Delete(s)
		}
		c.names.Delete(nameKey{kind: kindDocPart, parent: col.ID, name: dp.TableRef.path})
		c.docParts.Delete(dp)
	}
	c.names.Delete(nameKey{kind: kindCollection, parent: col.DatabaseID, name: col.Name})
	c.collections.Delete(col)
}

func (c *catalog) renameCollection(from, to Collection) error {
	cur, err := c.currentCollection(from)
	if err != nil {
		return err
	}
	if to.ID != cur.ID {
		return wrapf(ErrCollectionNotFound, "rename target must keep the identity of %q", cur.Name)
	}
	if err := validateName("collection", to.Name); err != nil {
		return err
	}
	db, ok := c.DatabaseByID(to.DatabaseID)
	if !ok {
		return wrapf(ErrDatabaseNotFound, "destination database of collection %q", to.Name)
	}
	if _, ok := c.lookup(kindCollection, db.ID, to.Name); ok {
		return wrapf(ErrCollectionExists, "collection %q.%q", db.Name, to.Name)
	}
	c.names.Delete(nameKey{kind: kindCollection, parent: cur.DatabaseID, name: cur.Name})
	c.names.ReplaceOrInsert(nameKey{kind: kindCollection, parent: db.ID, name: to.Name, id: cur.ID})
	c.collections.ReplaceOrInsert(to)
	return nil
}

func (c *catalog) addDocPart(dp DocPart) error {
	col, ok := c.CollectionByID(dp.CollectionID)
	if !ok {
		return wrapf(ErrCollectionNotFound, "collection of doc part %s", dp.TableRef)
	}
	if !dp.TableRef.IsRoot() {
		if _, ok := c.lookup(kindDocPart, col.ID, dp.TableRef.Parent().path); !ok {
			return wrapf(ErrDocPartNotFound, "parent %s of doc part %s in %q", dp.TableRef.Parent(), dp.TableRef, col.Name)
		}
	}
	if _, ok := c.lookup(kindDocPart, col.ID, dp.TableRef.path); ok {
		return wrapf(ErrDocPartExists, "doc part %s in %q", dp.TableRef, col.Name)
	}
	c.docParts.ReplaceOrInsert(dp)
	c.names.ReplaceOrInsert(nameKey{kind: kindDocPart, parent: col.ID, name: dp.TableRef.path, id: dp.ID})
	return nil
}

func (c *catalog) addField(f Field) error {
	if err := validateName("field", f.Name); err != nil {
		return err
	}
	if !f.Type.Valid() {
		return wrapf(ErrUnknownFieldType, "field %q type %q", f.Name, f.Type)
	}
	dp, ok := c.DocPartByID(f.DocPartID)
	if !ok {
		return wrapf(ErrDocPartNotFound, "doc part of field %q", f.Name)
	}
	key := fieldKey(f.Name, f.Type)
	if _, ok := c.lookup(kindField, dp.ID, key); ok {
		return wrapf(ErrFieldExists, "field %q of type %s in %s", f.Name, f.Type, dp.TableRef)
	}
	c.fields.ReplaceOrInsert(f)
	c.names.ReplaceOrInsert(nameKey{kind: kindField, parent: dp.ID, name: key, id: f.ID})
	return nil
}

func (c *catalog) addScalar(s Scalar) error {
	if !s.Type.Valid() {
		return wrapf(ErrUnknownFieldType, "scalar type %q", s.Type)
	}
	dp, ok := c.DocPartByID(s.DocPartID)
	if !ok {
		return wrapf(ErrDocPartNotFound, "doc part of scalar %s", s.Type)
	}
	if _, ok := c.lookup(kindScalar, dp.ID, string(s.Type)); ok {
		return wrapf(ErrScalarExists, "scalar of type %s in %s", s.Type, dp.TableRef)
	}
	c.scalars.ReplaceOrInsert(s)
	c.names.ReplaceOrInsert(nameKey{kind: kindScalar, parent: dp.ID, name: string(s.Type), id: s.ID})
	return nil
}
