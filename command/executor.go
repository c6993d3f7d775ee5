package command

import (
	"context"

	"github.com/asaidimu/go-tessera/core/backend"
	"go.uber.org/zap"
)

// Executor runs commands against a backend, one write transaction each.
type Executor struct {
	backend backend.Backend
	logger  *zap.Logger
}

// NewExecutor creates an executor for b.
func NewExecutor(b backend.Backend, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{backend: b, logger: logger}
}

// Execute applies cmd and commits. The transaction is always closed, and a
// failed command is never retried on it.
func (e *Executor) Execute(ctx context.Context, cmd Command) Status {
	tx, err := e.backend.OpenWriteTransaction(ctx)
	if err != nil {
		return e.fail(cmd, "", err)
	}
	defer tx.Close()

	if err := cmd.Apply(ctx, tx); err != nil {
		return e.fail(cmd, tx.ID(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return e.fail(cmd, tx.ID(), err)
	}
	e.logger.Debug("Command succeeded", zap.String("command", cmd.Name()), zap.String("txn", tx.ID()))
	return Status{Code: OK}
}

func (e *Executor) fail(cmd Command, txnID string, err error) Status {
	status := FromError(err)
	e.logger.Info("Command failed",
		zap.String("command", cmd.Name()),
		zap.String("txn", txnID),
		zap.Stringer("code", status.Code),
		zap.Error(err))
	return status
}
