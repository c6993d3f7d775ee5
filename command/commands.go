package command

import (
	"context"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/metainf"
)

// Command is one schema command applied inside a write transaction.
type Command interface {
	Name() string
	Apply(ctx context.Context, tx backend.WriteTransaction) error
}

var (
	_ Command = RenameCollection{}
	_ Command = CreateCollection{}
	_ Command = DropCollection{}
	_ Command = DropDatabase{}
)

func lookupDatabase(view metainf.View, name string) (metainf.Database, error) {
	db, ok := view.Database(name)
	if !ok {
		return metainf.Database{}, userErrorf(ErrNamespaceNotFound, "database %q", name)
	}
	return db, nil
}

func lookupCollection(view metainf.View, dbName, colName string) (metainf.Database, metainf.Collection, error) {
	db, err := lookupDatabase(view, dbName)
	if err != nil {
		return db, metainf.Collection{}, err
	}
	col, ok := view.Collection(db.ID, colName)
	if !ok {
		return db, metainf.Collection{}, userErrorf(ErrNamespaceNotFound, "collection %s.%s", dbName, colName)
	}
	return db, col, nil
}

// ensureDatabase returns the database called name, adding it if missing.
func ensureDatabase(ctx context.Context, tx backend.WriteTransaction, name string) (metainf.Database, error) {
	if db, ok := tx.Schema().Database(name); ok {
		return db, nil
	}
	return tx.AddDatabase(ctx, name)
}

// RenameCollection moves a collection, with everything it owns, to another
// name and possibly another database. The destination database is created
// when missing. An existing destination collection is dropped first only
// when DropTarget is set.
type RenameCollection struct {
	FromDatabase   string
	FromCollection string
	ToDatabase     string
	ToCollection   string
	DropTarget     bool
}

func (RenameCollection) Name() string { return "renameCollection" }

func (c RenameCollection) Apply(ctx context.Context, tx backend.WriteTransaction) error {
	if c.FromDatabase == c.ToDatabase && c.FromCollection == c.ToCollection {
		return userErrorf(ErrIllegalOperation, "cannot rename %s.%s to itself", c.FromDatabase, c.FromCollection)
	}
	fromDb, fromCol, err := lookupCollection(tx.Schema(), c.FromDatabase, c.FromCollection)
	if err != nil {
		return err
	}
	toDb, err := ensureDatabase(ctx, tx, c.ToDatabase)
	if err != nil {
		return err
	}
	if target, ok := tx.Schema().Collection(toDb.ID, c.ToCollection); ok {
		if !c.DropTarget {
			return userErrorf(ErrNamespaceExists, "collection %s.%s", c.ToDatabase, c.ToCollection)
		}
		if err := tx.DropCollection(ctx, toDb, target); err != nil {
			return err
		}
	}
	_, err = tx.RenameCollection(ctx, fromDb, fromCol, toDb, c.ToCollection)
	return err
}

// CreateCollection adds a collection and its root doc part, creating the
// database when missing.
type CreateCollection struct {
	Database   string
	Collection string
}

func (CreateCollection) Name() string { return "create" }

func (c CreateCollection) Apply(ctx context.Context, tx backend.WriteTransaction) error {
	db, err := ensureDatabase(ctx, tx, c.Database)
	if err != nil {
		return err
	}
	if _, ok := tx.Schema().Collection(db.ID, c.Collection); ok {
		return userErrorf(ErrNamespaceExists, "collection %s.%s", c.Database, c.Collection)
	}
	col, err := tx.AddCollection(ctx, db, c.Collection)
	if err != nil {
		return err
	}
	_, err = tx.AddDocPart(ctx, db, col, metainf.RootTableRef())
	return err
}

// DropCollection removes a collection and all its rows.
type DropCollection struct {
	Database   string
	Collection string
}

func (DropCollection) Name() string { return "drop" }

func (c DropCollection) Apply(ctx context.Context, tx backend.WriteTransaction) error {
	db, col, err := lookupCollection(tx.Schema(), c.Database, c.Collection)
	if err != nil {
		return err
	}
	return tx.DropCollection(ctx, db, col)
}

// DropDatabase removes a database and every collection in it.
type DropDatabase struct {
	Database string
}

func (DropDatabase) Name() string { return "dropDatabase" }

func (c DropDatabase) Apply(ctx context.Context, tx backend.WriteTransaction) error {
	db, err := lookupDatabase(tx.Schema(), c.Database)
	if err != nil {
		return err
	}
	return tx.DropDatabase(ctx, db)
}
