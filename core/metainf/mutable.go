package metainf

import (
	"github.com/cockroachdb/errors"
)

// ChangeKind identifies the schema mutation a Change records.
type ChangeKind uint8

const (
	ChangeAddDatabase ChangeKind = iota + 1
	ChangeDropDatabase
	ChangeAddCollection
	ChangeDropCollection
	ChangeRenameCollection
	ChangeAddDocPart
	ChangeAddField
	ChangeAddScalar
)

var changeKindNames = map[ChangeKind]string{
	ChangeAddDatabase:      "addDatabase",
	ChangeDropDatabase:     "dropDatabase",
	ChangeAddCollection:    "addCollection",
	ChangeDropCollection:   "dropCollection",
	ChangeRenameCollection: "renameCollection",
	ChangeAddDocPart:       "addDocPart",
	ChangeAddField:         "addField",
	ChangeAddScalar:        "addScalar",
}

func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Change is one staged schema mutation. Only the members relevant to Kind
// are set. A rename carries the collection as it was in Source and its new
// identity in Collection.
type Change struct {
	Kind       ChangeKind
	Database   Database
	Collection Collection
	Source     Collection
	DocPart    DocPart
	Field      Field
	Scalar     Scalar
}

// MutableSnapshot is a transaction-private schema. It is not safe for
// concurrent use.
type MutableSnapshot struct {
	*catalog
	ids     IDSource
	base    uint64
	changes []Change
}

// Base is the version of the snapshot this copy was taken from.
func (m *MutableSnapshot) Base() uint64 {
	return m.base
}

// Changes returns the applied changes in order.
func (m *MutableSnapshot) Changes() []Change {
	out := make([]Change, len(m.changes))
	copy(out, m.changes)
	return out
}

// Dirty reports whether any change was applied.
func (m *MutableSnapshot) Dirty() bool {
	return len(m.changes) > 0
}

// Apply validates ch against the staged schema and applies it. A failing
// change leaves the schema untouched.
func (m *MutableSnapshot) Apply(ch Change) error {
	var err error
	switch ch.Kind {
	case ChangeAddDatabase:
		err = m.addDatabase(ch.Database)
	case ChangeDropDatabase:
		err = m.dropDatabase(ch.Database)
	case ChangeAddCollection:
		err = m.addCollection(ch.Collection)
	case ChangeDropCollection:
		err = m.dropCollection(ch.Collection)
	case ChangeRenameCollection:
		err = m.renameCollection(ch.Source, ch.Collection)
	case ChangeAddDocPart:
		err = m.addDocPart(ch.DocPart)
	case ChangeAddField:
		err = m.addField(ch.Field)
	case ChangeAddScalar:
		err = m.addScalar(ch.Scalar)
	default:
		err = errors.Wrapf(ErrUnknownChange, "kind %d", ch.Kind)
	}
	if err != nil {
		return err
	}
	m.changes = append(m.changes, ch)
	return nil
}

func (m *MutableSnapshot) nextID() ID {
	if m.ids == nil {
		panic("metainf: mutable snapshot has no id source")
	}
	return m.ids.NextID()
}

func (m *MutableSnapshot) AddDatabase(name string) (Database, error) {
	if err := validateName("database", name); err != nil {
		return Database{}, err
	}
	db := Database{ID: m.nextID(), Name: name}
	if err := m.Apply(Change{Kind: ChangeAddDatabase, Database: db}); err != nil {
		return Database{}, err
	}
	return db, nil
}

// DropDatabase removes db with every collection it owns.
func (m *MutableSnapshot) DropDatabase(db Database) error {
	return m.Apply(Change{Kind: ChangeDropDatabase, Database: db})
}

func (m *MutableSnapshot) AddCollection(db Database, name string) (Collection, error) {
	if err := validateName("collection", name); err != nil {
		return Collection{}, err
	}
	if cur, ok := m.DatabaseByID(db.ID); !ok || cur.Name != db.Name {
		return Collection{}, wrapf(ErrDatabaseNotFound, "database %q", db.Name)
	}
	col := Collection{ID: m.nextID(), DatabaseID: db.ID, Name: name}
	if err := m.Apply(Change{Kind: ChangeAddCollection, Collection: col}); err != nil {
		return Collection{}, err
	}
	return col, nil
}

// DropCollection removes col with all of its doc parts, fields and scalars.
func (m *MutableSnapshot) DropCollection(db Database, col Collection) error {
	if col.DatabaseID != db.ID {
		return wrapf(ErrCollectionNotFound, "collection %q in database %q", col.Name, db.Name)
	}
	return m.Apply(Change{Kind: ChangeDropCollection, Collection: col})
}

// RenameCollection moves col from fromDb to toDb under toName. The
// collection keeps its ID, so everything it owns moves along.
func (m *MutableSnapshot) RenameCollection(fromDb Database, col Collection, toDb Database, toName string) (Collection, error) {
	if col.DatabaseID != fromDb.ID {
		return Collection{}, wrapf(ErrCollectionNotFound, "collection %q in database %q", col.Name, fromDb.Name)
	}
	if cur, ok := m.DatabaseByID(toDb.ID); !ok || cur.Name != toDb.Name {
		return Collection{}, wrapf(ErrDatabaseNotFound, "database %q", toDb.Name)
	}
	to := Collection{ID: col.ID, DatabaseID: toDb.ID, Name: toName}
	if err := m.Apply(Change{Kind: ChangeRenameCollection, Source: col, Collection: to}); err != nil {
		return Collection{}, err
	}
	return to, nil
}

// AddDocPart registers an empty doc part for ref. Fields and scalars are
// added separately.
func (m *MutableSnapshot) AddDocPart(col Collection, ref TableRef) (DocPart, error) {
	if _, err := m.currentCollection(col); err != nil {
		return DocPart{}, err
	}
	dp := DocPart{ID: m.nextID(), CollectionID: col.ID, TableRef: ref}
	if err := m.Apply(Change{Kind: ChangeAddDocPart, DocPart: dp}); err != nil {
		return DocPart{}, err
	}
	return dp, nil
}

func (m *MutableSnapshot) AddField(dp DocPart, name string, typ FieldType) (Field, error) {
	if err := validateName("field", name); err != nil {
		return Field{}, err
	}
	if !typ.Valid() {
		return Field{}, wrapf(ErrUnknownFieldType, "field %q type %q", name, typ)
	}
	if _, ok := m.DocPartByID(dp.ID); !ok {
		return Field{}, wrapf(ErrDocPartNotFound, "doc part %s", dp.TableRef)
	}
	f := Field{ID: m.nextID(), DocPartID: dp.ID, Name: name, Type: typ}
	if err := m.Apply(Change{Kind: ChangeAddField, Field: f}); err != nil {
		return Field{}, err
	}
	return f, nil
}

func (m *MutableSnapshot) AddScalar(dp DocPart, typ FieldType) (Scalar, error) {
	if !typ.Valid() {
		return Scalar{}, wrapf(ErrUnknownFieldType, "scalar type %q", typ)
	}
	if _, ok := m.DocPartByID(dp.ID); !ok {
		return Scalar{}, wrapf(ErrDocPartNotFound, "doc part %s", dp.TableRef)
	}
	s := Scalar{ID: m.nextID(), DocPartID: dp.ID, Type: typ}
	if err := m.Apply(Change{Kind: ChangeAddScalar, Scalar: s}); err != nil {
		return Scalar{}, err
	}
	return s, nil
}

// Immutable publishes the staged schema as a new Snapshot one version above
// the base. Later writes to m do not affect the result.
func (m *MutableSnapshot) Immutable() *Snapshot {
	cat := m.catalog.clone()
	cat.version = m.base + 1
	return &Snapshot{catalog: cat}
}

// Merge replays changes onto latest and returns the resulting snapshot.
// A change that no longer applies means a concurrent commit won the race,
// and the error must be treated as a conflict.
func Merge(latest *Snapshot, changes []Change) (*Snapshot, error) {
	return Replay(latest, changes, nil)
}

// Replay is Merge calling before, when not nil, ahead of each change with
// the schema as it stands just before that change applies. Storage engines
// use it to mirror every change against the latest committed schema.
func Replay(latest *Snapshot, changes []Change, before func(View, Change) error) (*Snapshot, error) {
	m := latest.Mutable(nil)
	for i, ch := range changes {
		if before != nil {
			if err := before(m, ch); err != nil {
				return nil, err
			}
		}
		if err := m.Apply(ch); err != nil {
			return nil, errors.Wrapf(err, "replaying change %d (%s) onto version %d", i, ch.Kind, latest.Version())
		}
	}
	return m.Immutable(), nil
}
