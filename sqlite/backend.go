// Package sqlite implements a backend storing every doc part as a SQLite
// table.
//
// Metadata lives in a handful of prefixed tables next to the row tables,
// one per doc part, named after the doc part ID. Write transactions stage
// their work in memory; Commit replays it as a single SQLite transaction
// against the latest committed schema, so concurrent write transactions
// never hold a database lock while open. Reads use a separate connection
// pool and see the WAL snapshot current when they started.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/rid"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Name is the backend name reported in events and metrics.
const Name = "sqlite"

// DefaultBusyTimeout is used when Options.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// ErrClosed is returned when using a closed backend.
var ErrClosed = errors.New("sqlite backend is closed")

// Options configures a SQLite backend.
type Options struct {
	// Path of the database file. It is created if missing.
	Path string
	// BusyTimeout is how long a statement waits for a lock held by another
	// process.
	BusyTimeout time.Duration
	// TablePrefix is prepended to every table the backend creates.
	TablePrefix string
	Logger      *zap.Logger
}

// Backend is a SQLite backend.
type Backend struct {
	opts   Options
	logger *zap.Logger
	mapper mapper
	bus    *backend.EventBus
	ids    *metainf.Sequence
	rids   *rid.Allocator

	// writer has a single connection; every commit is one IMMEDIATE
	// transaction on it.
	writer *sql.DB
	reader *sql.DB

	// mu guards schema and closed. Commits hold it for writing from the
	// first statement to the publication of their schema.
	mu     sync.RWMutex
	schema *metainf.Snapshot
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

func dsn(path string, busy time.Duration, txlock string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d&_txlock=%s", path, busy.Milliseconds(), txlock)
}

// Open opens or creates the database at opts.Path and loads its schema.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite backend needs a database path")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(Name)

	bus, err := backend.NewEventBus()
	if err != nil {
		return nil, err
	}

	writer, err := sql.Open("sqlite3", dsn(opts.Path, opts.BusyTimeout, "immediate"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", opts.Path)
	}
	writer.SetMaxOpenConns(1)
	reader, err := sql.Open("sqlite3", dsn(opts.Path, opts.BusyTimeout, "deferred"))
	if err != nil {
		_ = writer.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", opts.Path)
	}

	b := &Backend{
		opts:   opts,
		logger: logger,
		mapper: mapper{prefix: opts.TablePrefix},
		bus:    bus,
		rids:   rid.NewAllocator(logger),
		writer: writer,
		reader: reader,
	}
	if err := b.load(ctx); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, err
	}
	return b, nil
}

// load creates the metadata tables if needed and restores the schema.
func (b *Backend) load(ctx context.Context) error {
	tx, err := b.writer.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range b.mapper.metadataSQL() {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "failed to create metadata table")
		}
	}
	entries, err := b.mapper.loadEntries(ctx, tx)
	if err != nil {
		return err
	}
	version, lastID, err := b.mapper.loadMeta(ctx, tx)
	if err != nil {
		return err
	}
	schema, err := metainf.Restore(version, entries)
	if err != nil {
		return errors.Wrap(err, "restoring schema")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	b.schema = schema
	b.ids = metainf.NewSequence(max(lastID, schema.MaxID()))
	b.logger.Info("Opened database",
		zap.String("path", b.opts.Path),
		zap.Uint64("version", schema.Version()),
		zap.Int("docParts", len(entries.DocParts)))
	return nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return Name
}

// Snapshot implements backend.Backend.
func (b *Backend) Snapshot() *metainf.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schema
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
	b.mu.RLock()
	schema, closed := b.schema, b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	w := &writeInteractor{
		b:      b,
		logger: b.logger,
		staged: map[metainf.ID]map[int64]int64{},
	}
	return backend.NewWriteTransaction(backend.WriteOptions{
		Backend:  Name,
		Snapshot: schema,
		IDs:      b.ids,
		Rids:     b.rids,
		Store:    w,
		Bus:      b.bus,
		Logger:   b.logger,
	}), nil
}

// OpenReadTransaction implements backend.Backend.
func (b *Backend) OpenReadTransaction(ctx context.Context) (backend.ReadTransaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	tx, err := b.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin read transaction")
	}
	// the WAL snapshot is taken by the first read, which must happen while
	// no commit can publish
	var n int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", b.mapper.table(metaTable))).Scan(&n)
	if err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "failed to start read transaction")
	}

	return backend.NewReadTransaction(backend.ReadOptions{
		Backend:  Name,
		Snapshot: b.schema,
		Store:    &readInteractor{b: b, tx: tx, snapshot: b.schema},
		Logger:   b.logger,
	}), nil
}

// watermarkSQL saves the allocator position of every doc part of schema.
func (b *Backend) watermarkSQL(schema metainf.View) []stmt {
	var out []stmt
	for _, wm := range b.rids.Watermarks() {
		if _, ok := schema.DocPartByID(wm.DocPart); ok {
			out = append(out, b.mapper.watermarkSQL(wm.DocPart, wm.Next))
		}
	}
	return out
}

// Close saves the rid watermarks, so rids reserved by transactions that
// never committed stay retired, and closes the database. Transactions still
// open can no longer commit.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs error
	ctx := context.Background()
	tx, err := b.writer.BeginTx(ctx, nil)
	if err == nil {
		err = exec(ctx, tx, append(b.watermarkSQL(b.schema), b.mapper.saveMetaSQL(b.schema.Version(), max(b.ids.Last(), b.schema.MaxID()))...))
		if err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "saving rid watermarks"))
	}
	if err := b.reader.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := b.writer.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	b.logger.Info("Closed database", zap.String("path", b.opts.Path))
	return errs
}
