package backend

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/asaidimu/go-tessera/core/txn"
)

// Transaction outcomes counted by tessera_transactions_total.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

func countTransaction(backend, outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tessera_transactions_total{backend=%q,outcome=%q}`, backend, outcome)).Inc()
}

func countFailure(backend string, kind txn.Kind) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tessera_operations_failed_total{backend=%q,kind=%q}`, backend, kind)).Inc()
}

func countRids(backend string, n int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tessera_rids_reserved_total{backend=%q}`, backend)).Add(n)
}

// TransactionCount returns the current value of the transactions counter.
func TransactionCount(backend, outcome string) uint64 {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`tessera_transactions_total{backend=%q,outcome=%q}`, backend, outcome)).Get()
}

// WritePrometheus writes every registered counter in Prometheus text
// format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
