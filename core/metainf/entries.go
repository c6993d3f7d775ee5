package metainf

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Entries is the flat form of a schema, used to persist it.
type Entries struct {
	Databases   []Database   `json:"databases"`
	Collections []Collection `json:"collections"`
	DocParts    []DocPart    `json:"docParts"`
	Fields      []Field      `json:"fields"`
	Scalars     []Scalar     `json:"scalars"`
}

// Entries flattens the schema. Entities are listed by ID.
func (c *catalog) Entries() Entries {
	var e Entries
	c.databases.Ascend(func(db Database) bool {
		e.Databases = append(e.Databases, db)
		return true
	})
	c.collections.Ascend(func(col Collection) bool {
		e.Collections = append(e.Collections, col)
		return true
	})
	c.docParts.Ascend(func(dp DocPart) bool {
		e.DocParts = append(e.DocParts, dp)
		return true
	})
	c.fields.Ascend(func(f Field) bool {
		e.Fields = append(e.Fields, f)
		return true
	})
	c.scalars.Ascend(func(s Scalar) bool {
		e.Scalars = append(e.Scalars, s)
		return true
	})
	return e
}

// Restore rebuilds a snapshot from its flat form. Every ownership invariant
// is checked again, so a corrupt dump fails here.
func Restore(version uint64, e Entries) (*Snapshot, error) {
	m := EmptySnapshot().Mutable(nil)

	docParts := make([]DocPart, len(e.DocParts))
	copy(docParts, e.DocParts)
	sort.SliceStable(docParts, func(i, j int) bool {
		return docParts[i].TableRef.Depth() < docParts[j].TableRef.Depth()
	})

	var changes []Change
	for _, db := range e.Databases {
		changes = append(changes, Change{Kind: ChangeAddDatabase, Database: db})
	}
	for _, col := range e.Collections {
		changes = append(changes, Change{Kind: ChangeAddCollection, Collection: col})
	}
	for _, dp := range docParts {
		changes = append(changes, Change{Kind: ChangeAddDocPart, DocPart: dp})
	}
	for _, f := range e.Fields {
		changes = append(changes, Change{Kind: ChangeAddField, Field: f})
	}
	for _, s := range e.Scalars {
		changes = append(changes, Change{Kind: ChangeAddScalar, Scalar: s})
	}

	for _, ch := range changes {
		if err := m.Apply(ch); err != nil {
			return nil, errors.Wrap(err, "restoring schema")
		}
	}
	cat := m.catalog.clone()
	cat.version = version
	return &Snapshot{catalog: cat}, nil
}

// Description is an ID-free tree rendering of a schema. Two schemas with the
// same structure describe equal, whatever IDs they were built with.
type Description struct {
	Databases []DatabaseDescription `json:"databases"`
}

type DatabaseDescription struct {
	Name        string                  `json:"name"`
	Collections []CollectionDescription `json:"collections"`
}

type CollectionDescription struct {
	Name     string               `json:"name"`
	DocParts []DocPartDescription `json:"docParts"`
}

type DocPartDescription struct {
	Path    string             `json:"path"`
	Fields  []FieldDescription `json:"fields"`
	Scalars []FieldType        `json:"scalars"`
}

type FieldDescription struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Describe renders v as a Description ordered by name at every level.
func Describe(v View) Description {
	d := Description{Databases: []DatabaseDescription{}}
	for _, db := range v.Databases() {
		dbd := DatabaseDescription{Name: db.Name, Collections: []CollectionDescription{}}
		for _, col := range v.Collections(db.ID) {
			dbd.Collections = append(dbd.Collections, DescribeCollection(v, col))
		}
		d.Databases = append(d.Databases, dbd)
	}
	return d
}

// DescribeCollection renders one collection and everything it owns.
func DescribeCollection(v View, col Collection) CollectionDescription {
	cd := CollectionDescription{Name: col.Name, DocParts: []DocPartDescription{}}
	for _, dp := range v.DocParts(col.ID) {
		dpd := DocPartDescription{
			Path:    dp.TableRef.String(),
			Fields:  []FieldDescription{},
			Scalars: []FieldType{},
		}
		for _, f := range v.Fields(dp.ID) {
			dpd.Fields = append(dpd.Fields, FieldDescription{Name: f.Name, Type: f.Type})
		}
		for _, s := range v.Scalars(dp.ID) {
			dpd.Scalars = append(dpd.Scalars, s.Type)
		}
		cd.DocParts = append(cd.DocParts, dpd)
	}
	return cd
}
