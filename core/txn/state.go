package txn

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// State is the lifecycle position of a transaction.
type State string

const (
	StateOpen       State = "open"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateClosed     State = "closed"
)

// Terminal reports whether no further operation is allowed in s.
func (s State) Terminal() bool {
	return s != StateOpen
}

// Lifecycle is the state machine shared by transaction implementations:
// Open moves to Committed, RolledBack or Closed exactly once, and Closed is
// reached from every state.
type Lifecycle struct {
	mu     sync.Mutex
	state  State
	closed bool
}

// NewLifecycle returns a Lifecycle in StateOpen.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateOpen}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Check returns ErrNotOpen, as a rollback condition, unless the
// transaction is open.
func (l *Lifecycle) Check() error {
	if s := l.State(); s != StateOpen {
		return errors.Mark(errors.Wrapf(ErrNotOpen, "state %s", s), ErrRollback)
	}
	return nil
}

// Finish moves an open transaction to to. It reports false when the
// transaction had already left StateOpen.
func (l *Lifecycle) Finish(to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return false
	}
	l.state = to
	return true
}

// Close marks the transaction closed. It returns the state it was in and
// whether this call was the first Close.
func (l *Lifecycle) Close() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.state, false
	}
	prev := l.state
	l.closed = true
	l.state = StateClosed
	return prev, true
}
