package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "finetune"

var (
	ledgerLabels     = []string{"operation", "outcome"}
	ledgerOperations = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "credit ledger operations by outcome",
	}, ledgerLabels)
	ledgerLatency = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "ledger",
		Name:      "operation_seconds",
		Help:      "duration of credit ledger operations including retries",
		Buckets:   prom.DefBuckets,
	}, []string{"operation"})
	ledgerRetries = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "ledger",
		Name:      "conflict_retries_total",
		Help:      "transient conflicts retried by the credit ledger",
	}, []string{"operation"})

	jobTransitions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "applied job status transitions",
	}, []string{"from", "to"})
	callbacksRejected = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "jobs",
		Name:      "callbacks_rejected_total",
		Help:      "scheduler callbacks dropped as invalid",
	}, []string{"reason"})
	settlements = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "jobs",
		Name:      "settlements_total",
		Help:      "job settlements by outcome",
	}, []string{"outcome"})

	gatewayRequests = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "scheduler gateway requests by kind and outcome",
	}, []string{"mode", "kind", "outcome"})
)

func init() {
	prom.MustRegister(ledgerOperations)
	prom.MustRegister(ledgerLatency)
	prom.MustRegister(ledgerRetries)
	prom.MustRegister(jobTransitions)
	prom.MustRegister(callbacksRejected)
	prom.MustRegister(settlements)
	prom.MustRegister(gatewayRequests)
}

// ObserveLedgerOperation records one ledger call and its duration.
func ObserveLedgerOperation(operation, outcome string, start time.Time) {
	ledgerOperations.WithLabelValues(operation, outcome).Inc()
	ledgerLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// LedgerRetry counts a retried transient conflict.
func LedgerRetry(operation string) {
	ledgerRetries.WithLabelValues(operation).Inc()
}

// JobTransition counts an applied status change.
func JobTransition(from, to string) {
	jobTransitions.WithLabelValues(from, to).Inc()
}

// CallbackRejected counts a dropped scheduler callback.
func CallbackRejected(reason string) {
	callbacksRejected.WithLabelValues(reason).Inc()
}

// Settlement counts a settlement attempt.
func Settlement(outcome string) {
	settlements.WithLabelValues(outcome).Inc()
}

// GatewayRequest counts a request sent to the compute scheduler.
func GatewayRequest(mode, kind, outcome string) {
	gatewayRequests.WithLabelValues(mode, kind, outcome).Inc()
}
