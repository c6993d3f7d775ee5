package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/cockroachdb/errors"
)

// Metadata table names, before the configured prefix is applied.
const (
	metaTable        = "_meta"
	databasesTable   = "_databases"
	collectionsTable = "_collections"
	docPartsTable    = "_doc_parts"
	fieldsTable      = "_fields"
	scalarsTable     = "_scalars"
	watermarksTable  = "_rid_watermarks"
)

// Keys of the _meta table.
const (
	metaVersion = "version"
	metaLastID  = "last_id"
)

// stmt is one SQL statement with its arguments.
type stmt struct {
	query string
	args  []any
}

// mapper translates schema entities and changes into SQLite DDL and
// metadata rows.
type mapper struct {
	prefix string
}

// quoteIdentifier safely quotes an identifier, such as a table or column name,
// to handle names that might be keywords or contain special characters.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// table returns the quoted name of a metadata table.
func (m mapper) table(name string) string {
	return quoteIdentifier(m.prefix + name)
}

// docPartTable returns the unquoted name of the row table of a doc part.
func (m mapper) docPartTable(id metainf.ID) string {
	return fmt.Sprintf("%sdp_%d", m.prefix, id)
}

func fieldColumn(id metainf.ID) string {
	return fmt.Sprintf("f_%d", id)
}

func scalarColumn(id metainf.ID) string {
	return fmt.Sprintf("s_%d", id)
}

// GetColumnType maps a field type to its SQLite column type. The declared
// types are plain storage classes so the driver hands values back untouched.
func GetColumnType(t metainf.FieldType) string {
	switch t {
	case metainf.FieldTypeDouble:
		return "REAL"
	case metainf.FieldTypeString:
		return "TEXT"
	case metainf.FieldTypeBinary, metainf.FieldTypeObjectID:
		return "BLOB"
	default:
		// null, boolean, child, integer, long, date and instant
		return "INTEGER"
	}
}

// metadataSQL creates the metadata tables if they do not exist yet.
func (m mapper) metadataSQL() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);`, m.table(metaTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);`, m.table(databasesTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    database_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    UNIQUE (database_id, name)
);`, m.table(collectionsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    collection_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    UNIQUE (collection_id, path)
);`, m.table(docPartsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    doc_part_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    UNIQUE (doc_part_id, name, type)
);`, m.table(fieldsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    doc_part_id INTEGER NOT NULL,
    type TEXT NOT NULL,
    UNIQUE (doc_part_id, type)
);`, m.table(scalarsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    doc_part_id INTEGER PRIMARY KEY,
    next_rid INTEGER NOT NULL
);`, m.table(watermarksTable)),
	}
}

// CreateTableSQL generates the DDL creating the row table of a doc part.
// Columns for fields and scalars are added later, one ALTER TABLE each.
func (m mapper) CreateTableSQL(dp metainf.DocPart) []string {
	name := m.docPartTable(dp.ID)
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
    did INTEGER NOT NULL,
    rid INTEGER NOT NULL PRIMARY KEY,
    pid INTEGER NOT NULL,
    seq INTEGER
);`, quoteIdentifier(name)),
		fmt.Sprintf("CREATE INDEX %s ON %s (did);", quoteIdentifier("idx_"+name+"_did"), quoteIdentifier(name)),
	}
}

func (m mapper) addColumnSQL(dp metainf.ID, column string, t metainf.FieldType) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdentifier(m.docPartTable(dp)), quoteIdentifier(column), GetColumnType(t))
}

// ChangeSQL returns the statements mirroring ch. view is the schema as it
// stands before ch applies; drops read the entities they cascade to from it.
func (m mapper) ChangeSQL(view metainf.View, ch metainf.Change) ([]stmt, error) {
	switch ch.Kind {
	case metainf.ChangeAddDatabase:
		return []stmt{{
			query: fmt.Sprintf("INSERT INTO %s (id, name) VALUES (?, ?);", m.table(databasesTable)),
			args:  []any{int64(ch.Database.ID), ch.Database.Name},
		}}, nil

	case metainf.ChangeDropDatabase:
		var out []stmt
		for _, col := range view.Collections(ch.Database.ID) {
			out = append(out, m.dropCollectionSQL(view, col)...)
		}
		return append(out, stmt{
			query: fmt.Sprintf("DELETE FROM %s WHERE id = ?;", m.table(databasesTable)),
			args:  []any{int64(ch.Database.ID)},
		}), nil

	case metainf.ChangeAddCollection:
		return []stmt{{
			query: fmt.Sprintf("INSERT INTO %s (id, database_id, name) VALUES (?, ?, ?);", m.table(collectionsTable)),
			args:  []any{int64(ch.Collection.ID), int64(ch.Collection.DatabaseID), ch.Collection.Name},
		}}, nil

	case metainf.ChangeDropCollection:
		col, ok := view.CollectionByID(ch.Collection.ID)
		if !ok {
			return nil, errors.Wrapf(metainf.ErrCollectionNotFound, "collection %d", ch.Collection.ID)
		}
		return m.dropCollectionSQL(view, col), nil

	case metainf.ChangeRenameCollection:
		// doc part tables are keyed by ID and stay where they are
		return []stmt{{
			query: fmt.Sprintf("UPDATE %s SET database_id = ?, name = ? WHERE id = ?;", m.table(collectionsTable)),
			args:  []any{int64(ch.Collection.DatabaseID), ch.Collection.Name, int64(ch.Collection.ID)},
		}}, nil

	case metainf.ChangeAddDocPart:
		var out []stmt
		for _, q := range m.CreateTableSQL(ch.DocPart) {
			out = append(out, stmt{query: q})
		}
		return append(out, stmt{
			query: fmt.Sprintf("INSERT INTO %s (id, collection_id, path) VALUES (?, ?, ?);", m.table(docPartsTable)),
			args:  []any{int64(ch.DocPart.ID), int64(ch.DocPart.CollectionID), ch.DocPart.TableRef.Encode()},
		}), nil

	case metainf.ChangeAddField:
		f := ch.Field
		return []stmt{
			{query: m.addColumnSQL(f.DocPartID, fieldColumn(f.ID), f.Type)},
			{
				query: fmt.Sprintf("INSERT INTO %s (id, doc_part_id, name, type) VALUES (?, ?, ?, ?);", m.table(fieldsTable)),
				args:  []any{int64(f.ID), int64(f.DocPartID), f.Name, string(f.Type)},
			},
		}, nil

	case metainf.ChangeAddScalar:
		s := ch.Scalar
		return []stmt{
			{query: m.addColumnSQL(s.DocPartID, scalarColumn(s.ID), s.Type)},
			{
				query: fmt.Sprintf("INSERT INTO %s (id, doc_part_id, type) VALUES (?, ?, ?);", m.table(scalarsTable)),
				args:  []any{int64(s.ID), int64(s.DocPartID), string(s.Type)},
			},
		}, nil
	}
	return nil, errors.Wrapf(metainf.ErrUnknownChange, "kind %d", ch.Kind)
}

func (m mapper) dropCollectionSQL(view metainf.View, col metainf.Collection) []stmt {
	var out []stmt
	for _, dp := range view.DocParts(col.ID) {
		id := int64(dp.ID)
		out = append(out,
			stmt{query: fmt.Sprintf("DROP TABLE IF EXISTS %s;", quoteIdentifier(m.docPartTable(dp.ID)))},
			stmt{query: fmt.Sprintf("DELETE FROM %s WHERE doc_part_id = ?;", m.table(fieldsTable)), args: []any{id}},
			stmt{query: fmt.Sprintf("DELETE FROM %s WHERE doc_part_id = ?;", m.table(scalarsTable)), args: []any{id}},
			stmt{query: fmt.Sprintf("DELETE FROM %s WHERE doc_part_id = ?;", m.table(watermarksTable)), args: []any{id}},
		)
	}
	return append(out,
		stmt{query: fmt.Sprintf("DELETE FROM %s WHERE collection_id = ?;", m.table(docPartsTable)), args: []any{int64(col.ID)}},
		stmt{query: fmt.Sprintf("DELETE FROM %s WHERE id = ?;", m.table(collectionsTable)), args: []any{int64(col.ID)}},
	)
}

// exec runs statements in order on r.
func exec(ctx context.Context, r dbRunner, stmts []stmt) error {
	for _, s := range stmts {
		if _, err := r.ExecContext(ctx, s.query, s.args...); err != nil {
			return errors.Wrapf(err, "failed to execute SQL statement '%s'", s.query)
		}
	}
	return nil
}

// loadEntries reads every metadata row.
func (m mapper) loadEntries(ctx context.Context, r dbRunner) (metainf.Entries, error) {
	var e metainf.Entries
	err := queryEach(ctx, r, fmt.Sprintf("SELECT id, name FROM %s ORDER BY id;", m.table(databasesTable)), func(scan func(...any) error) error {
		var id int64
		var db metainf.Database
		if err := scan(&id, &db.Name); err != nil {
			return err
		}
		db.ID = metainf.ID(id)
		e.Databases = append(e.Databases, db)
		return nil
	})
	if err != nil {
		return e, err
	}
	err = queryEach(ctx, r, fmt.Sprintf("SELECT id, database_id, name FROM %s ORDER BY id;", m.table(collectionsTable)), func(scan func(...any) error) error {
		var id, parent int64
		var col metainf.Collection
		if err := scan(&id, &parent, &col.Name); err != nil {
			return err
		}
		col.ID, col.DatabaseID = metainf.ID(id), metainf.ID(parent)
		e.Collections = append(e.Collections, col)
		return nil
	})
	if err != nil {
		return e, err
	}
	err = queryEach(ctx, r, fmt.Sprintf("SELECT id, collection_id, path FROM %s ORDER BY id;", m.table(docPartsTable)), func(scan func(...any) error) error {
		var id, parent int64
		var path string
		if err := scan(&id, &parent, &path); err != nil {
			return err
		}
		ref, err := metainf.DecodeTableRef(path)
		if err != nil {
			return err
		}
		e.DocParts = append(e.DocParts, metainf.DocPart{ID: metainf.ID(id), CollectionID: metainf.ID(parent), TableRef: ref})
		return nil
	})
	if err != nil {
		return e, err
	}
	err = queryEach(ctx, r, fmt.Sprintf("SELECT id, doc_part_id, name, type FROM %s ORDER BY id;", m.table(fieldsTable)), func(scan func(...any) error) error {
		var id, parent int64
		var f metainf.Field
		var typ string
		if err := scan(&id, &parent, &f.Name, &typ); err != nil {
			return err
		}
		f.ID, f.DocPartID, f.Type = metainf.ID(id), metainf.ID(parent), metainf.FieldType(typ)
		e.Fields = append(e.Fields, f)
		return nil
	})
	if err != nil {
		return e, err
	}
	err = queryEach(ctx, r, fmt.Sprintf("SELECT id, doc_part_id, type FROM %s ORDER BY id;", m.table(scalarsTable)), func(scan func(...any) error) error {
		var id, parent int64
		var typ string
		if err := scan(&id, &parent, &typ); err != nil {
			return err
		}
		e.Scalars = append(e.Scalars, metainf.Scalar{ID: metainf.ID(id), DocPartID: metainf.ID(parent), Type: metainf.FieldType(typ)})
		return nil
	})
	return e, err
}

func (m mapper) loadMeta(ctx context.Context, r dbRunner) (version uint64, lastID metainf.ID, err error) {
	err = queryEach(ctx, r, fmt.Sprintf("SELECT key, value FROM %s;", m.table(metaTable)), func(scan func(...any) error) error {
		var key string
		var value int64
		if err := scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case metaVersion:
			version = uint64(value)
		case metaLastID:
			lastID = metainf.ID(value)
		}
		return nil
	})
	return version, lastID, err
}

func (m mapper) saveMetaSQL(version uint64, lastID metainf.ID) []stmt {
	q := fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value;", m.table(metaTable))
	return []stmt{
		{query: q, args: []any{metaVersion, int64(version)}},
		{query: q, args: []any{metaLastID, int64(lastID)}},
	}
}

// watermarkSQL raises the stored watermark of a doc part, never lowering it.
func (m mapper) watermarkSQL(dp metainf.ID, next int64) stmt {
	return stmt{
		query: fmt.Sprintf("INSERT INTO %s (doc_part_id, next_rid) VALUES (?, ?) ON CONFLICT (doc_part_id) DO UPDATE SET next_rid = MAX(next_rid, excluded.next_rid);", m.table(watermarksTable)),
		args:  []any{int64(dp), next},
	}
}

func queryEach(ctx context.Context, r dbRunner, query string, fn func(scan func(...any) error) error, args ...any) error {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to execute query '%s'", query)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "error after scanning rows")
}
