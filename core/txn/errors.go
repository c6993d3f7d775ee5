// Package txn holds the transaction lifecycle and the two kinds of failure
// a transaction operation can report.
//
// A rollback condition means the backend could not guarantee atomicity,
// exclusivity or consistency. The transaction is already rolled back when
// the error reaches the caller, and it must not be retried on the same
// transaction. A user condition is a rejection caused by the request
// content. The transaction stays open and the caller decides whether to
// continue or abandon it.
package txn

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrRollback marks rollback conditions.
	ErrRollback = errors.New("transaction rolled back")
	// ErrUser marks user-facing validation conditions.
	ErrUser = errors.New("invalid request")
	// ErrNotOpen is returned by every operation on a transaction that is no
	// longer open. Lifecycle.Check marks it as a rollback condition.
	ErrNotOpen = errors.New("transaction is not open")
)

// Kind classifies an error returned by a transaction operation.
type Kind string

const (
	KindNone     Kind = "none"
	KindRollback Kind = "rollback"
	KindUser     Kind = "user"
	KindUnknown  Kind = "unknown"
)

// KindOf returns the class of err. Rollback wins when both markers are
// present.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRollback):
		return KindRollback
	case errors.Is(err, ErrUser):
		return KindUser
	default:
		return KindUnknown
	}
}

// IsRollback reports whether err is a rollback condition.
func IsRollback(err error) bool {
	return errors.Is(err, ErrRollback)
}

// IsUser reports whether err is a user condition and not a rollback one.
func IsUser(err error) bool {
	return KindOf(err) == KindUser
}

// Rollbackf builds a new rollback condition.
func Rollbackf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrRollback)
}

// WrapRollback marks err as a rollback condition, adding msg as context.
// It returns nil when err is nil.
func WrapRollback(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrRollback)
}

// Userf builds a new user condition.
func Userf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUser)
}

// WrapUser marks err as a user condition, adding msg as context. It returns
// nil when err is nil.
func WrapUser(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrUser)
}
