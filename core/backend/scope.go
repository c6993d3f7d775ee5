package backend

import (
	"context"
	"time"

	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope runs the operations of one transaction. It enforces the lifecycle,
// turns rollback conditions into an immediate rollback, and reports every
// outcome through logs, events and metrics.
type Scope struct {
	id      string
	backend string
	life    *txn.Lifecycle
	bus     *EventBus
	logger  *zap.Logger
	abort   func()
	release func() error
}

// NewScope opens a scope. abort discards staged work and runs at most once,
// when the transaction rolls back. release runs once on Close.
func NewScope(backend string, bus *EventBus, logger *zap.Logger, abort func(), release func() error) *Scope {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	s := &Scope{
		id:      id,
		backend: backend,
		life:    txn.NewLifecycle(),
		bus:     bus,
		logger:  logger.With(zap.String("txn", id), zap.String("backend", backend)),
		abort:   abort,
		release: release,
	}
	s.logger.Debug("Transaction opened")
	s.bus.emit(createEvent(TransactionOpen, backend, id, "", nil, time.Time{}))
	return s
}

func (s *Scope) ID() string {
	return s.id
}

func (s *Scope) State() txn.State {
	return s.life.State()
}

// Logger returns the transaction-scoped logger.
func (s *Scope) Logger() *zap.Logger {
	return s.logger
}

// Do runs fn as operation op. Errors that are not user conditions are
// returned as rollback conditions, after the transaction was rolled back.
func (s *Scope) Do(ctx context.Context, op string, fn func() error) error {
	if err := s.life.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		err = txn.WrapRollback(err, op)
		s.rollback(op, err)
		return err
	}

	start := time.Now()
	err := fn()
	switch txn.KindOf(err) {
	case txn.KindNone:
		s.logger.Debug("Operation succeeded", zap.String("op", op))
		s.bus.emit(createEvent(OperationSuccess, s.backend, s.id, op, nil, start))
		return nil
	case txn.KindUser:
		s.logger.Debug("Operation rejected", zap.String("op", op), zap.Error(err))
		countFailure(s.backend, txn.KindUser)
		s.bus.emit(createEvent(OperationFailed, s.backend, s.id, op, err, start))
		return err
	case txn.KindUnknown:
		err = txn.WrapRollback(err, op)
	}

	countFailure(s.backend, txn.KindRollback)
	s.bus.emit(createEvent(OperationFailed, s.backend, s.id, op, err, start))
	s.rollback(op, err)
	return err
}

// Commit runs fn as the commit step. A failed commit always rolls the
// transaction back; the returned error keeps its class so a constraint
// violation still reads as a user condition.
func (s *Scope) Commit(ctx context.Context, fn func() error) error {
	if err := s.life.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		err = txn.WrapRollback(err, "commit")
		s.rollback("commit", err)
		return err
	}

	start := time.Now()
	err := fn()
	if err == nil {
		// Finish cannot lose here: operations of one transaction are
		// sequential and nothing else moves the lifecycle of an open scope.
		s.life.Finish(txn.StateCommitted)
		countTransaction(s.backend, OutcomeCommitted)
		s.logger.Debug("Transaction committed", zap.Duration("took", time.Since(start)))
		s.bus.emit(createEvent(CommitSuccess, s.backend, s.id, "commit", nil, start))
		return nil
	}

	if txn.KindOf(err) == txn.KindUnknown {
		err = txn.WrapRollback(err, "commit")
	}
	countFailure(s.backend, txn.KindOf(err))
	s.bus.emit(createEvent(CommitFailed, s.backend, s.id, "commit", err, start))
	s.rollback("commit", err)
	return err
}

// Rollback abandons an open transaction.
func (s *Scope) Rollback(reason string) {
	s.rollback(reason, nil)
}

func (s *Scope) rollback(op string, cause error) {
	if !s.life.Finish(txn.StateRolledBack) {
		return
	}
	if s.abort != nil {
		s.abort()
	}
	countTransaction(s.backend, OutcomeRolledBack)
	s.logger.Info("Transaction rolled back", zap.String("op", op), zap.Error(cause))
	s.bus.emit(createEvent(TransactionRollback, s.backend, s.id, op, cause, time.Time{}))
}

// Close rolls an open transaction back and releases it. Only the first
// call has an effect. Release failures are logged, never returned.
func (s *Scope) Close() {
	s.rollback("close", nil)

	_, first := s.life.Close()
	if !first {
		return
	}
	if s.release != nil {
		if err := s.release(); err != nil {
			s.logger.Warn("Releasing transaction failed", zap.Error(err))
		}
	}
	s.logger.Debug("Transaction closed")
	s.bus.emit(createEvent(TransactionClose, s.backend, s.id, "", nil, time.Time{}))
}
