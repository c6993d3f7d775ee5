package metainf

import (
	"sync"
	"sync/atomic"
)

// View is the read side of a schema, shared by published snapshots and the
// staging copy owned by a transaction.
type View interface {
	Version() uint64
	Database(name string) (Database, bool)
	DatabaseByID(id ID) (Database, bool)
	Databases() []Database
	Collection(databaseID ID, name string) (Collection, bool)
	CollectionByID(id ID) (Collection, bool)
	Collections(databaseID ID) []Collection
	DocPart(collectionID ID, ref TableRef) (DocPart, bool)
	DocPartByID(id ID) (DocPart, bool)
	DocParts(collectionID ID) []DocPart
	Field(docPartID ID, name string, typ FieldType) (Field, bool)
	FieldByID(id ID) (Field, bool)
	Fields(docPartID ID) []Field
	Scalar(docPartID ID, typ FieldType) (Scalar, bool)
	ScalarByID(id ID) (Scalar, bool)
	Scalars(docPartID ID) []Scalar
	MaxID() ID
}

var (
	_ View = (*Snapshot)(nil)
	_ View = (*MutableSnapshot)(nil)
)

// Snapshot is an immutable schema. It is safe for concurrent use.
type Snapshot struct {
	*catalog
	// cloneMu serializes Clone calls, which touch the copy-on-write markers
	// of the shared trees.
	cloneMu sync.Mutex
}

// EmptySnapshot returns the schema with no databases at version 0.
func EmptySnapshot() *Snapshot {
	return &Snapshot{catalog: newCatalog()}
}

// Mutable returns a staging copy of s. The copy shares structure with s
// until it is written to. New entities take their IDs from ids.
func (s *Snapshot) Mutable(ids IDSource) *MutableSnapshot {
	s.cloneMu.Lock()
	cat := s.catalog.clone()
	s.cloneMu.Unlock()
	return &MutableSnapshot{catalog: cat, ids: ids, base: s.version}
}

// IDSource hands out entity IDs.
type IDSource interface {
	NextID() ID
}

// Sequence is an IDSource backed by an atomic counter.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a Sequence whose next ID is last+1.
func NewSequence(last ID) *Sequence {
	s := &Sequence{}
	s.last.Store(uint64(last))
	return s
}

func (s *Sequence) NextID() ID {
	return ID(s.last.Add(1))
}

// Last returns the highest ID handed out so far.
func (s *Sequence) Last() ID {
	return ID(s.last.Load())
}

// Observe raises the sequence so it never hands out id or anything below.
func (s *Sequence) Observe(id ID) {
	for {
		cur := s.last.Load()
		if uint64(id) <= cur || s.last.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}
