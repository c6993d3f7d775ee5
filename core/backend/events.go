package backend

import (
	"context"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
)

// EventType names the lifecycle events emitted by transactions.
type EventType string

const (
	TransactionOpen     EventType = "transaction:open"
	OperationSuccess    EventType = "operation:success"
	OperationFailed     EventType = "operation:failed"
	CommitSuccess       EventType = "transaction:commit:success"
	CommitFailed        EventType = "transaction:commit:failed"
	TransactionRollback EventType = "transaction:rollback"
	TransactionClose    EventType = "transaction:close"
)

// Event is the payload of every lifecycle event.
type Event struct {
	Type          EventType   `json:"type"`                // The type of event
	Timestamp     int64       `json:"timestamp"`           // Unix milliseconds
	Backend       string      `json:"backend"`             // Name of the emitting backend
	TransactionID string      `json:"transactionId"`       // Transaction the event belongs to
	Operation     string      `json:"operation,omitempty"` // Operation being performed, if any
	Kind          txn.Kind    `json:"kind,omitempty"`      // Failure class of Error
	Error         *string     `json:"error,omitempty"`     // Error message if the operation failed
	Issues        []d2r.Issue `json:"issues,omitempty"`    // Row issues of a rejected insert
	Duration      *int64      `json:"duration,omitempty"`  // Duration of the operation in milliseconds
}

// EventCallback handles one event. Returned errors are reported by the bus
// and do not affect the transaction.
type EventCallback func(ctx context.Context, event Event) error

// EventBus fans lifecycle events out to subscribers.
type EventBus struct {
	bus *events.TypedEventBus[Event]
}

// NewEventBus builds a bus with the default go-events configuration.
func NewEventBus() (*EventBus, error) {
	bus, err := events.NewTypedEventBus[Event](events.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize event bus")
	}
	return &EventBus{bus: bus}, nil
}

// Subscribe registers cb for events of type t and returns a function that
// removes the subscription.
func (b *EventBus) Subscribe(t EventType, cb EventCallback) func() {
	if b == nil || b.bus == nil {
		return func() {}
	}
	return b.bus.Subscribe(string(t), cb)
}

func (b *EventBus) emit(event Event) {
	if b != nil && b.bus != nil {
		b.bus.Emit(string(event.Type), event)
	}
}

func createEvent(
	eventType EventType,
	backend string,
	transactionID string,
	operation string,
	err error,
	startTime time.Time,
) Event {
	var duration *int64
	if !startTime.IsZero() {
		d := time.Since(startTime).Milliseconds()
		duration = &d
	}

	event := Event{
		Type:          eventType,
		Timestamp:     time.Now().UnixMilli(),
		Backend:       backend,
		TransactionID: transactionID,
		Operation:     operation,
		Duration:      duration,
	}
	if err != nil {
		msg := err.Error()
		event.Error = &msg
		event.Kind = txn.KindOf(err)
		var ve *d2r.ValidationError
		if errors.As(err, &ve) {
			event.Issues = ve.Issues
		}
	}
	return event
}
