// Package command implements the schema commands of the wire protocol on
// top of a backend: each command runs in its own write transaction and
// reports a protocol status code.
package command

import (
	"fmt"

	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
)

// Code is a protocol status code.
type Code int

const (
	OK                Code = 0
	InternalError     Code = 1
	IllegalOperation  Code = 20
	NamespaceNotFound Code = 26
	NamespaceExists   Code = 48
	CommandFailed     Code = 125
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InternalError:
		return "InternalError"
	case IllegalOperation:
		return "IllegalOperation"
	case NamespaceNotFound:
		return "NamespaceNotFound"
	case NamespaceExists:
		return "NamespaceExists"
	case CommandFailed:
		return "CommandFailed"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Command errors. They are returned wrapped by userErrorf, which marks
// them as user conditions.
var (
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace exists")
	ErrIllegalOperation  = errors.New("illegal operation")
)

// userErrorf wraps a command error and marks the result as a user
// condition. The sentinels stay unmarked so that errors.Is tells them
// apart.
func userErrorf(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(sentinel, format, args...), txn.ErrUser)
}

// Status is the outcome of a command.
type Status struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the command succeeded.
func (s Status) OK() bool {
	return s.Code == OK
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// FromError maps an error to a status. Rollback conditions are backend
// failures and never leak their cause into a specific code.
func FromError(err error) Status {
	if err == nil {
		return Status{Code: OK}
	}
	switch txn.KindOf(err) {
	case txn.KindUser:
		code := CommandFailed
		switch {
		case errors.Is(err, ErrNamespaceNotFound):
			code = NamespaceNotFound
		case errors.Is(err, ErrNamespaceExists):
			code = NamespaceExists
		case errors.Is(err, ErrIllegalOperation):
			code = IllegalOperation
		}
		return Status{Code: code, Message: err.Error()}
	default:
		return Status{Code: InternalError, Message: err.Error()}
	}
}
