// Package metainf holds the schema metadata model: databases, collections,
// doc parts, fields and scalars. Published schemas are immutable Snapshots;
// transactions stage their edits in a MutableSnapshot and publish a new
// Snapshot on commit.
//
// Entities never point at each other. Every entity carries an arena ID and
// the ID of its parent, and children are found through an index keyed by
// parent ID. Renaming a collection therefore rewrites a single entry: its
// doc parts, fields and scalars stay keyed by the collection ID.
package metainf

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ID identifies an entity inside a schema. IDs are allocated from an
// IDSource shared by all transactions of a backend and are never reused.
type ID uint64

// InvalidID is the zero ID, never assigned to an entity.
const InvalidID ID = 0

// FieldType represents the value types a field or scalar can hold.
type FieldType string

const (
	FieldTypeNull     FieldType = "null"     // Explicit null
	FieldTypeBoolean  FieldType = "boolean"  // True/false values
	FieldTypeInteger  FieldType = "integer"  // 32-bit signed integer
	FieldTypeLong     FieldType = "long"     // 64-bit signed integer
	FieldTypeDouble   FieldType = "double"   // 64-bit floating point
	FieldTypeString   FieldType = "string"   // Text data
	FieldTypeBinary   FieldType = "binary"   // Raw bytes
	FieldTypeDate     FieldType = "date"     // Calendar date, stored as a time.Time at midnight UTC
	FieldTypeInstant  FieldType = "instant"  // Point in time, kept to TimePrecision
	FieldTypeObjectID FieldType = "objectid" // 12 byte object identifier
	FieldTypeChild    FieldType = "child"    // Value lives in a child doc part; holds whether it is an array
)

// TimePrecision is the resolution date and instant values are stored with.
// Finer parts of a time.Time are truncated on write, so a value reads back
// as t.Truncate(TimePrecision) in UTC.
const TimePrecision = time.Millisecond

var fieldTypes = map[FieldType]struct{}{
	FieldTypeNull:     {},
	FieldTypeBoolean:  {},
	FieldTypeInteger:  {},
	FieldTypeLong:     {},
	FieldTypeDouble:   {},
	FieldTypeString:   {},
	FieldTypeBinary:   {},
	FieldTypeDate:     {},
	FieldTypeInstant:  {},
	FieldTypeObjectID: {},
	FieldTypeChild:    {},
}

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	_, ok := fieldTypes[t]
	return ok
}

// pathSeparator joins TableRef keys internally. It sorts before any
// printable character so a parent path always sorts before its children.
const pathSeparator = "\x00"

// TableRef is the structural path of a doc part inside a document. The root
// doc part has the empty path, each nested sub-document or array level
// appends one key.
type TableRef struct {
	path string
}

// RootTableRef returns the reference of the root doc part.
func RootTableRef() TableRef {
	return TableRef{}
}

// NewTableRef builds a reference from the keys leading to it.
func NewTableRef(keys ...string) TableRef {
	return TableRef{path: strings.Join(keys, pathSeparator)}
}

// Child returns the reference one level below r.
func (r TableRef) Child(key string) TableRef {
	if r.IsRoot() {
		return TableRef{path: key}
	}
	return TableRef{path: r.path + pathSeparator + key}
}

// IsRoot reports whether r points at the root doc part.
func (r TableRef) IsRoot() bool {
	return r.path == ""
}

// Parent returns the reference one level above r. The parent of the root
// is the root itself.
func (r TableRef) Parent() TableRef {
	idx := strings.LastIndex(r.path, pathSeparator)
	if idx < 0 {
		return RootTableRef()
	}
	return TableRef{path: r.path[:idx]}
}

// Keys returns the path keys from the root down to r.
func (r TableRef) Keys() []string {
	if r.IsRoot() {
		return []string{}
	}
	return strings.Split(r.path, pathSeparator)
}

// Depth is the number of keys between the root and r.
func (r TableRef) Depth() int {
	if r.IsRoot() {
		return 0
	}
	return strings.Count(r.path, pathSeparator) + 1
}

// Name is the last key of the path, empty for the root.
func (r TableRef) Name() string {
	keys := r.Keys()
	if len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

// String renders the path dotted, "$root" for the root.
func (r TableRef) String() string {
	if r.IsRoot() {
		return "$root"
	}
	return strings.Join(r.Keys(), ".")
}

// Encode returns a lossless textual form of r, a JSON array of its keys.
func (r TableRef) Encode() string {
	b, _ := json.Marshal(r.Keys())
	return string(b)
}

// DecodeTableRef parses the output of Encode.
func DecodeTableRef(s string) (TableRef, error) {
	var keys []string
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return TableRef{}, errors.Wrapf(err, "invalid table ref %q", s)
	}
	for _, k := range keys {
		if strings.Contains(k, pathSeparator) {
			return TableRef{}, errors.Newf("invalid table ref %q: key contains NUL", s)
		}
	}
	return NewTableRef(keys...), nil
}

// MarshalText implements encoding.TextMarshaler using Encode.
func (r TableRef) MarshalText() ([]byte, error) {
	return []byte(r.Encode()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using DecodeTableRef.
func (r *TableRef) UnmarshalText(text []byte) error {
	ref, err := DecodeTableRef(string(text))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// Database is a named group of collections.
type Database struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Collection is a named set of documents inside a database.
type Collection struct {
	ID         ID     `json:"id"`
	DatabaseID ID     `json:"databaseId"`
	Name       string `json:"name"`
}

// DocPart is one relational table realizing the part of a collection's
// documents found at TableRef.
type DocPart struct {
	ID           ID       `json:"id"`
	CollectionID ID       `json:"collectionId"`
	TableRef     TableRef `json:"tableRef"`
}

// Field is a named, typed column of a doc part.
type Field struct {
	ID        ID        `json:"id"`
	DocPartID ID        `json:"docPartId"`
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
}

// Scalar is an unnamed, typed column of a doc part holding array elements
// that are not documents.
type Scalar struct {
	ID        ID        `json:"id"`
	DocPartID ID        `json:"docPartId"`
	Type      FieldType `json:"type"`
}
