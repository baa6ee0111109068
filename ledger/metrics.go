/*
metrics.go - Prometheus instrumentation for ledger operations

One counter vector covers every engine operation; the outcome label
distinguishes business rejections from conflicts and internal failures so
dashboards can tell "user asked for too much" apart from "store is unhappy".
*/
package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leaveledger_operations_total",
		Help: "Ledger engine operations by operation and outcome.",
	},
	[]string{"op", "outcome"},
)

func observeOperation(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientBalance):
		outcome = "insufficient"
	case errors.Is(err, ErrConcurrentModification):
		outcome = "conflict"
	case errors.Is(err, ErrDuplicateAccrual), errors.Is(err, ErrDuplicateEntry):
		outcome = "duplicate"
	case IsClientError(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	operationsTotal.WithLabelValues(op, outcome).Inc()
}
