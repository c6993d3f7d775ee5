// Package memory implements a backend keeping schema and rows in memory.
//
// Every write transaction works on a private copy-on-write view of the
// latest committed state and records its row operations. Commit replays
// the schema changes and row operations onto the state committed in the
// meantime, and publishes the result with a single pointer swap.
package memory

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/rid"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/natefinch/atomic"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Name is the backend name reported in events and metrics.
const Name = "memory"

const rowTreeDegree = 32

// ErrClosed is returned when using a closed backend.
var ErrClosed = errors.New("memory backend is closed")

// Options configures a memory backend.
type Options struct {
	// Path, when set, is the dump file loaded on Open and written on Close.
	Path string
	// SyncOnCommit also writes the dump file on every commit.
	SyncOnCommit bool
	Logger       *zap.Logger
}

type rowTree = btree.BTreeG[storedRow]

func newRowTree() *rowTree {
	return btree.NewG(rowTreeDegree, lessRow)
}

// state is one committed version. It is never modified once published.
type state struct {
	schema *metainf.Snapshot
	tables map[metainf.ID]*rowTree
}

// Backend is an in-memory backend.
type Backend struct {
	opts   Options
	logger *zap.Logger
	bus    *backend.EventBus
	ids    *metainf.Sequence
	rids   *rid.Allocator

	mu     sync.RWMutex
	state  *state
	closed bool

	// commitMu serializes commits.
	commitMu sync.Mutex
	// cloneMu serializes Clone calls on published row trees.
	cloneMu sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

// Open creates a backend, loading opts.Path if it exists.
func Open(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus, err := backend.NewEventBus()
	if err != nil {
		return nil, err
	}
	b := &Backend{
		opts:   opts,
		logger: logger.Named(Name),
		bus:    bus,
		ids:    metainf.NewSequence(metainf.InvalidID),
		rids:   rid.NewAllocator(logger.Named(Name)),
		state: &state{
			schema: metainf.EmptySnapshot(),
			tables: map[metainf.ID]*rowTree{},
		},
	}

	if opts.Path != "" {
		f, err := os.Open(opts.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			b.logger.Debug("No dump file, starting empty", zap.String("path", opts.Path))
		case err != nil:
			return nil, errors.Wrapf(err, "opening dump file %s", opts.Path)
		default:
			defer f.Close()
			if err := b.Load(f); err != nil {
				return nil, errors.Wrapf(err, "loading dump file %s", opts.Path)
			}
		}
	}
	return b, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return Name
}

func (b *Backend) current() (*state, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.state, nil
}

func (b *Backend) publish(s *state) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Snapshot implements backend.Backend.
func (b *Backend) Snapshot() *metainf.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.schema
}

// Subscribe implements backend.Backend.
func (b *Backend) Subscribe(event backend.EventType, cb backend.EventCallback) func() {
	return b.bus.Subscribe(event, cb)
}

// OpenWriteTransaction implements backend.Backend.
func (b *Backend) OpenWriteTransaction(ctx context.Context) (backend.WriteTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, txn.WrapRollback(err, "opening write transaction")
	}
	s, err := b.current()
	if err != nil {
		return nil, err
	}
	w := &writeInteractor{
		b:       b,
		base:    s,
		tables:  map[metainf.ID]*rowTree{},
		dropped: map[metainf.ID]bool{},
	}
	return backend.NewWriteTransaction(backend.WriteOptions{
		Backend:  Name,
		Snapshot: s.schema,
		IDs:      b.ids,
		Rids:     b.rids,
		Store:    w,
		Bus:      b.bus,
		Logger:   b.logger,
	}), nil
}

// OpenReadTransaction implements backend.Backend.
func (b *Backend) OpenReadTransaction(ctx context.Context) (backend.ReadTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := b.current()
	if err != nil {
		return nil, err
	}
	return backend.NewReadTransaction(backend.ReadOptions{
		Backend:  Name,
		Snapshot: s.schema,
		Store:    &readInteractor{state: s},
		Logger:   b.logger,
	}), nil
}

// cloneTree returns a private copy-on-write copy of a published tree.
func (b *Backend) cloneTree(t *rowTree) *rowTree {
	b.cloneMu.Lock()
	defer b.cloneMu.Unlock()
	return t.Clone()
}

// Save writes the committed state to w.
func (b *Backend) Save(w io.Writer) error {
	b.mu.RLock()
	s := b.state
	b.mu.RUnlock()
	return b.save(w, s)
}

func (b *Backend) save(w io.Writer, s *state) error {
	entries := s.schema.Entries()
	dump := dumpFile{
		Version:     s.schema.Version(),
		LastID:      uint64(s.schema.MaxID()),
		Databases:   entries.Databases,
		Collections: entries.Collections,
		Fields:      entries.Fields,
		Scalars:     entries.Scalars,
	}
	for _, dp := range entries.DocParts {
		dump.DocParts = append(dump.DocParts, dumpDocPart{ID: dp.ID, CollectionID: dp.CollectionID, Path: dp.TableRef.Encode()})
		table := dumpTable{DocPart: dp.ID}
		if t, ok := s.tables[dp.ID]; ok {
			t.Ascend(func(r storedRow) bool {
				table.Rows = append(table.Rows, r)
				return true
			})
		}
		dump.Tables = append(dump.Tables, table)
	}
	// IDs handed to transactions that never committed stay retired.
	if last := b.ids.Last(); uint64(last) > dump.LastID {
		dump.LastID = uint64(last)
	}
	for _, wm := range b.rids.Watermarks() {
		if _, ok := s.schema.DocPartByID(wm.DocPart); ok {
			dump.Watermarks = append(dump.Watermarks, dumpWatermark{DocPart: wm.DocPart, Next: wm.Next})
		}
	}

	data, err := bson.Marshal(dump)
	if err != nil {
		return errors.Wrap(err, "encoding dump")
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "writing dump")
}

// Load replaces the committed state with the dump read from r.
func (b *Backend) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "reading dump")
	}
	var dump dumpFile
	if err := bson.Unmarshal(data, &dump); err != nil {
		return errors.Wrap(err, "decoding dump")
	}

	entries := metainf.Entries{
		Databases:   dump.Databases,
		Collections: dump.Collections,
		Fields:      dump.Fields,
		Scalars:     dump.Scalars,
	}
	for _, dp := range dump.DocParts {
		ref, err := metainf.DecodeTableRef(dp.Path)
		if err != nil {
			return err
		}
		entries.DocParts = append(entries.DocParts, metainf.DocPart{ID: dp.ID, CollectionID: dp.CollectionID, TableRef: ref})
	}
	schema, err := metainf.Restore(dump.Version, entries)
	if err != nil {
		return err
	}

	tables := make(map[metainf.ID]*rowTree, len(dump.Tables))
	for _, dp := range entries.DocParts {
		tables[dp.ID] = newRowTree()
	}
	for _, table := range dump.Tables {
		t, ok := tables[table.DocPart]
		if !ok {
			return errors.Newf("rows for unknown doc part %d", table.DocPart)
		}
		var next int64
		for _, row := range table.Rows {
			if _, dup := t.ReplaceOrInsert(row); dup {
				return errors.Newf("duplicate rid %d in doc part %d", row.Rid, table.DocPart)
			}
			if row.Rid >= next {
				next = row.Rid + 1
			}
		}
		b.rids.Observe(table.DocPart, next)
	}
	for _, wm := range dump.Watermarks {
		b.rids.Observe(wm.DocPart, wm.Next)
	}
	b.ids.Observe(metainf.ID(dump.LastID))
	b.ids.Observe(schema.MaxID())

	b.publish(&state{schema: schema, tables: tables})
	b.logger.Info("Loaded dump",
		zap.Uint64("version", schema.Version()),
		zap.Int("docParts", len(tables)))
	return nil
}

func (b *Backend) writeDump(s *state) error {
	var buf bytes.Buffer
	if err := b.save(&buf, s); err != nil {
		return err
	}
	if err := atomic.WriteFile(b.opts.Path, &buf); err != nil {
		return errors.Wrapf(err, "writing dump file %s", b.opts.Path)
	}
	return nil
}

// Close writes the dump file, if configured, and rejects further
// transactions. Transactions still open keep their view.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.opts.Path == "" {
		return nil
	}
	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	b.mu.RLock()
	s := b.state
	b.mu.RUnlock()
	return b.writeDump(s)
}
