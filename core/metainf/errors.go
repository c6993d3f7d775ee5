package metainf

import "github.com/cockroachdb/errors"

// Sentinel errors returned by schema mutations. They are wrapped with the
// offending names, match them with errors.Is.
var (
	ErrDatabaseExists     = errors.New("database already exists")
	ErrDatabaseNotFound   = errors.New("database not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDocPartExists      = errors.New("doc part already exists")
	ErrDocPartNotFound    = errors.New("doc part not found")
	ErrFieldExists        = errors.New("field already exists")
	ErrScalarExists       = errors.New("scalar already exists")
	ErrInvalidName        = errors.New("invalid name")
	ErrUnknownFieldType   = errors.New("unknown field type")
	ErrUnknownChange      = errors.New("unknown change kind")
)

func wrapf(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}
